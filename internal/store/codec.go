package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Upper bounds enforced when reading a store file.
const (
	MaxRecords      = 100_000
	MaxFieldLen     = 1_000
	MaxEmbeddingLen = 10_000
)

var (
	// ErrCorrupt is returned for truncated or malformed store files.
	ErrCorrupt = errors.New("corrupt store file")
	// ErrTooLarge is returned when a length prefix exceeds its bound.
	ErrTooLarge = errors.New("length prefix exceeds bound")
)

// encodeRecords writes the little-endian layout:
//
//	u32 count
//	per record: u32 idLen, id, u32 nameLen, name, u32 embLen, embLen x float32
func encodeRecords(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	if err := writeU32(bw, len(records)); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writeString(bw, rec.ID); err != nil {
			return err
		}
		if err := writeString(bw, rec.Name); err != nil {
			return err
		}
		if err := writeU32(bw, len(rec.Embedding)); err != nil {
			return err
		}
		buf := make([]byte, 4*len(rec.Embedding))
		for i, v := range rec.Embedding {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// decodeRecords reads the layout written by encodeRecords. Every length
// prefix is checked before anything is allocated for it.
func decodeRecords(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)

	count, err := readU32(br, MaxRecords, "record count")
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		id, err := readString(br, "id")
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		name, err := readString(br, "name")
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		n, err := readU32(br, MaxEmbeddingLen, "embedding length")
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		buf := make([]byte, 4*n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("record %d embedding: %w", i, truncated(err))
		}
		embedding := make([]float32, n)
		for j := range embedding {
			embedding[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		records = append(records, Record{ID: id, Name: name, Embedding: embedding})
	}
	return records, nil
}

func writeU32(w io.Writer, n int) error {
	if n < 0 || uint64(n) > math.MaxUint32 {
		return fmt.Errorf("length %d does not fit u32", n)
	}
	return binary.Write(w, binary.LittleEndian, uint32(n))
}

func writeString(w *bufio.Writer, s string) error {
	if err := writeU32(w, len(s)); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readU32(r io.Reader, limit int, field string) (int, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, fmt.Errorf("%s: %w", field, truncated(err))
	}
	if uint64(n) > uint64(limit) {
		return 0, fmt.Errorf("%w: %s %d > %d", ErrTooLarge, field, n, limit)
	}
	return int(n), nil
}

func readString(r io.Reader, field string) (string, error) {
	n, err := readU32(r, MaxFieldLen, field+" length")
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%s: %w", field, truncated(err))
	}
	return string(buf), nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	return err
}
