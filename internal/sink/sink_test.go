package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-dirsync/internal/dirsync"
	"github.com/isometry/ad-dirsync/internal/logging"
)

func testChange(seq uint64) dirsync.Change {
	return dirsync.Change{
		SessionID: "guests",
		PollID:    "poll-1",
		Sequence:  seq,
		PolledAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Entry: dirsync.Entry{
			DN:     "cn=a,dc=x",
			Change: dirsync.ChangeUpsert,
			Attributes: []dirsync.Attribute{
				{Name: "cn", Values: [][]byte{[]byte("a")}},
				{Name: "objectSid", Values: [][]byte{{0x01, 0xff, 0xfe}}},
			},
			ObjectGUID: "0a1b2c3d-0000-4000-8000-000000000000",
		},
	}
}

func TestNewRecord(t *testing.T) {
	r := NewRecord(testChange(7))

	assert.Equal(t, "upsert", r.Change)
	assert.Equal(t, uint64(7), r.Sequence)
	require.Len(t, r.Attributes, 2)
	assert.Equal(t, []string{"a"}, r.Attributes[0].Values)
	assert.False(t, r.Attributes[0].Base64)
	assert.True(t, r.Attributes[1].Base64)
	assert.Equal(t, []string{"Af/+"}, r.Attributes[1].Values)
}

func TestJSONL_WritesOneLinePerChange(t *testing.T) {
	var buf bytes.Buffer
	s := NewJSONL(&buf)

	require.NoError(t, s.Deliver(context.Background(), testChange(1)))
	require.NoError(t, s.Deliver(context.Background(), testChange(2)))

	scanner := bufio.NewScanner(&buf)
	var records []Record
	for scanner.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Sequence)
	assert.Equal(t, uint64(2), records[1].Sequence)
	assert.Equal(t, "cn=a,dc=x", records[1].DN)
}

func TestOpenJSONL_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changes.jsonl")

	for i := range 2 {
		s, err := OpenJSONL(path)
		require.NoError(t, err)
		require.NoError(t, s.Deliver(context.Background(), testChange(uint64(i+1))))
		require.NoError(t, s.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}

func TestOpenJSONL_Stdout(t *testing.T) {
	s, err := OpenJSONL(Stdout)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestJSONL_CancelledContext(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, NewJSONL(&buf).Deliver(ctx, testChange(1)), context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Name: "ad-dirsync", Output: &buf, JSONFormat: true, Level: hclog.Info})
	ctx := logging.WithLogger(context.Background(), logger)

	require.NoError(t, Log{}.Deliver(ctx, testChange(1)))
	assert.Contains(t, buf.String(), `"dn":"cn=a,dc=x"`)
	assert.Contains(t, buf.String(), `"@module":"ad-dirsync.sink"`)
}

func TestFanout(t *testing.T) {
	var first, second []uint64
	record := func(into *[]uint64) dirsync.Sink {
		return dirsync.SinkFunc(func(_ context.Context, c dirsync.Change) error {
			*into = append(*into, c.Sequence)
			return nil
		})
	}
	failing := dirsync.SinkFunc(func(context.Context, dirsync.Change) error { return errors.New("down") })

	require.NoError(t, Fanout{record(&first), record(&second)}.Deliver(context.Background(), testChange(1)))
	assert.Equal(t, []uint64{1}, first)
	assert.Equal(t, []uint64{1}, second)

	assert.Error(t, Fanout{failing, record(&second)}.Deliver(context.Background(), testChange(2)))
	assert.Equal(t, []uint64{1}, second)
}
