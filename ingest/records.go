package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Record is one line of a line-delimited record file, normalized to text
// ready for chunking. Two shapes are accepted: a conversational record
// (ordered role/content turns) and a flat document record.
type Record struct {
	ID       string
	Text     string
	Metadata map[string]string
}

type rawRecord struct {
	// Conversational shape.
	Messages []rawTurn `json:"messages"`
	// Flat document shape.
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

type rawTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ParseRecords reads a JSONL stream, one record per line. Malformed lines
// yield per-line errors and do not stop the scan.
func ParseRecords(r io.Reader) ([]Record, []error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	records := make([]Record, 0)
	errs := make([]error, 0)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var raw rawRecord
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}

		record, err := normalizeRecord(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", lineNo, err))
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, fmt.Errorf("scan records: %w", err))
	}

	return records, errs
}

func normalizeRecord(raw rawRecord) (Record, error) {
	if len(raw.Messages) > 0 {
		return normalizeConversation(raw)
	}
	if strings.TrimSpace(raw.Text) == "" {
		return Record{}, fmt.Errorf("record has neither messages nor text")
	}
	return Record{ID: raw.ID, Text: raw.Text, Metadata: raw.Metadata}, nil
}

// normalizeConversation renders the turns of a transcript as one dialogue
// text, preserving order.
func normalizeConversation(raw rawRecord) (Record, error) {
	var sb strings.Builder
	for _, turn := range raw.Messages {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		role := turn.Role
		if role == "" {
			role = "unknown"
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(content)
	}
	if sb.Len() == 0 {
		return Record{}, fmt.Errorf("conversational record has no content")
	}

	meta := raw.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	meta["shape"] = "conversation"
	return Record{ID: raw.ID, Text: sb.String(), Metadata: meta}, nil
}
