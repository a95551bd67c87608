package pmemkv_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pmemkv"
)

func TestBackup_RoundTrip(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	require.NoError(t, e.Set([]byte("flat-1"), []byte("v1")))
	require.NoError(t, e.Set([]byte("flat-2"), []byte("v2")))
	require.NoError(t, e.Delete([]byte("flat-2")))
	require.NoError(t, e.SSet([]byte("ranks"), []byte("a"), []byte("1")))
	require.NoError(t, e.SSet([]byte("ranks"), []byte("b"), []byte("2")))
	require.NoError(t, e.HSet([]byte("sessions"), []byte("s1"), []byte("x")))

	var buf bytes.Buffer
	require.NoError(t, e.Backup(context.Background(), &buf))

	type entryKey struct {
		kind pmemkv.BackupKind
		coll string
		key  string
	}
	got := make(map[entryKey][]byte)
	err := pmemkv.ReadBackup(&buf, func(be pmemkv.BackupEntry) error {
		got[entryKey{be.Kind, be.Collection, string(be.Key)}] = be.Value
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, map[entryKey][]byte{
		{pmemkv.BackupString, "", "flat-1"}:   []byte("v1"),
		{pmemkv.BackupSorted, "ranks", "a"}:   []byte("1"),
		{pmemkv.BackupSorted, "ranks", "b"}:   []byte("2"),
		{pmemkv.BackupHash, "sessions", "s1"}: []byte("x"),
	}, got, "deleted keys are not exported")
}

func TestBackup_Empty(t *testing.T) {
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	var buf bytes.Buffer
	require.NoError(t, e.Backup(context.Background(), &buf))

	n := 0
	require.NoError(t, pmemkv.ReadBackup(&buf, func(pmemkv.BackupEntry) error {
		n++
		return nil
	}))
	assert.Zero(t, n)
}

func TestReadBackup_RejectsGarbage(t *testing.T) {
	err := pmemkv.ReadBackup(bytes.NewReader([]byte("not a backup stream")), func(pmemkv.BackupEntry) error {
		t.Fatal("callback must not run")
		return nil
	})
	assert.Error(t, err)
}
