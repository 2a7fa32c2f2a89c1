package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecordsFlatDocuments(t *testing.T) {
	input := `{"id": "doc-1", "text": "Least privilege keeps service accounts narrow.", "metadata": {"author": "sre"}}
{"id": "doc-2", "text": "Rotate credentials on a fixed schedule."}`

	records, errs := ParseRecords(strings.NewReader(input))
	require.Empty(t, errs)
	require.Len(t, records, 2)
	assert.Equal(t, "doc-1", records[0].ID)
	assert.Equal(t, "sre", records[0].Metadata["author"])
}

func TestParseRecordsConversational(t *testing.T) {
	input := `{"messages": [{"role": "user", "content": "How do we rotate keys?"}, {"role": "assistant", "content": "Use the vault rotation policy."}]}`

	records, errs := ParseRecords(strings.NewReader(input))
	require.Empty(t, errs)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Text, "user: How do we rotate keys?")
	assert.Contains(t, records[0].Text, "assistant: Use the vault rotation policy.")
	assert.Equal(t, "conversation", records[0].Metadata["shape"])
}

func TestParseRecordsSkipsMalformedLines(t *testing.T) {
	input := `{"id": "ok", "text": "A perfectly fine knowledge record about backups."}
not json at all
{"id": "empty"}`

	records, errs := ParseRecords(strings.NewReader(input))
	require.Len(t, records, 1, "good records survive bad neighbors")
	assert.Len(t, errs, 2)
}

func TestParseRecordsIgnoresBlankLines(t *testing.T) {
	input := "\n\n{\"text\": \"Patch cadence matters more than patch perfection.\"}\n\n"
	records, errs := ParseRecords(strings.NewReader(input))
	require.Empty(t, errs)
	require.Len(t, records, 1)
}
