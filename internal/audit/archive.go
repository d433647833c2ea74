package audit

import (
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"
	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

// ArchiveRecord is the flat on-disk shape of an audit entry for Parquet
// export. Timestamps are unix milliseconds.
type ArchiveRecord struct {
	RequestID  string  `parquet:"request_id"`
	Timestamp  int64   `parquet:"timestamp_ms"`
	UserHash   string  `parquet:"user_hash"`
	Stage      string  `parquet:"stage"`
	Detector   string  `parquet:"detector"`
	Action     string  `parquet:"action"`
	Confidence float64 `parquet:"confidence"`
	Reason     string  `parquet:"reason"`
	Final      bool    `parquet:"final"`
	DurationMS int64   `parquet:"duration_ms"`
}

func toArchiveRecord(entry Entry) ArchiveRecord {
	return ArchiveRecord{
		RequestID:  entry.RequestID,
		Timestamp:  entry.Timestamp.UnixMilli(),
		UserHash:   entry.UserHash,
		Stage:      entry.Stage,
		Detector:   entry.Detector,
		Action:     entry.Action,
		Confidence: entry.Confidence,
		Reason:     entry.Reason,
		Final:      entry.Final,
		DurationMS: entry.DurationMS,
	}
}

// WriteArchive writes entries to a Parquet file, replacing any existing
// file at the path.
func WriteArchive(path string, entries []Entry, log *logger.Logger) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	writer := parquet.NewWriter(file)
	for _, entry := range entries {
		record := toArchiveRecord(entry)
		if err := writer.Write(&record); err != nil {
			return fmt.Errorf("failed to write archive record: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}

	log.Info("Audit archive written",
		zap.String("path", path),
		zap.Int("entries", len(entries)))
	return nil
}

// ReadArchive loads every record from a Parquet archive.
func ReadArchive(path string, log *logger.Logger) ([]ArchiveRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	var records []ArchiveRecord
	for {
		var record ArchiveRecord
		err := reader.Read(&record)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn("Skipping unreadable archive record", zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
