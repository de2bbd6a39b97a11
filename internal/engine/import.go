package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"sifter/internal/domain"
	"sifter/internal/events"
)

// ImportOptions describe one records import.
type ImportOptions struct {
	Label string
	// Reader yields a JSON array of objects or JSON Lines.
	Reader io.Reader
	// NamePath is the gjson path of a record's display name.
	NamePath string
}

// ImportRecords creates a run holding every object read from opts.Reader.
// The run and its records are written in one transaction.
func (e Engine) ImportRecords(ctx context.Context, opts ImportOptions) (domain.Run, error) {
	if opts.Reader == nil {
		return domain.Run{}, errors.New("import reader is required")
	}
	namePath := opts.NamePath
	if namePath == "" && e.Config != nil {
		namePath = e.Config.Import.NamePath
	}
	objects, err := decodeObjects(opts.Reader)
	if err != nil {
		return domain.Run{}, err
	}
	if len(objects) == 0 {
		return domain.Run{}, errors.New("import contains no records")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	now := e.now()
	run, err := e.Repo.CreateRunTx(ctx, tx, opts.Label, now)
	if err != nil {
		return domain.Run{}, err
	}
	for i, obj := range objects {
		name := ""
		if namePath != "" {
			name = gjson.GetBytes(obj, namePath).String()
		}
		if name == "" {
			name = "record-" + strconv.Itoa(i+1)
		}
		if _, err := e.Repo.InsertRecordTx(ctx, tx, domain.Record{
			RunID:     run.ID,
			Name:      name,
			Data:      obj,
			CreatedAt: now.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			return domain.Run{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.RunImport, run.ID, "run", run.ID, events.Payload{
		"label":   opts.Label,
		"records": len(objects),
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	run.RecordCount = len(objects)
	e.logger().Info("records imported", zap.String("run_id", run.ID), zap.Int("records", run.RecordCount))
	return run, nil
}

// decodeObjects accepts either a single JSON array or a stream of objects.
func decodeObjects(r io.Reader) ([]json.RawMessage, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(br)
	var objects []json.RawMessage
	if first == '[' {
		if err := dec.Decode(&objects); err != nil {
			return nil, fmt.Errorf("decode records array: %w", err)
		}
	} else {
		for {
			var obj json.RawMessage
			err := dec.Decode(&obj)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decode record %d: %w", len(objects)+1, err)
			}
			objects = append(objects, obj)
		}
	}
	for i, obj := range objects {
		if !gjson.ParseBytes(obj).IsObject() {
			return nil, fmt.Errorf("record %d is not a JSON object", i+1)
		}
		objects[i] = bytes.TrimSpace(obj)
	}
	return objects, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
