// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package cache

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/go-cmp/cmp"
	pkgerrors "github.com/pkg/errors"

	"github.com/ffutop/bmc-cache/internal/entity"
	"github.com/ffutop/bmc-cache/internal/persistence"
	"github.com/ffutop/bmc-cache/internal/snapshot"
	"github.com/ffutop/bmc-cache/internal/value"
)

const snapshotPath = "/var/lib/bmc-cache/persistent_cache"

// countingStorage counts Save calls and can be told to fail them.
type countingStorage struct {
	persistence.Storage
	saves   int
	saveErr error
}

func (s *countingStorage) Save(t *snapshot.Tables) error {
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Storage.Save(t)
}

type fixture struct {
	fs      billy.Filesystem
	storage *countingStorage
	index   *entity.Index
	policy  *entity.Policy
	cache   *Cache
}

func newFixture(t *testing.T, eligible ...uint16) *fixture {
	t.Helper()
	f := &fixture{fs: memfs.New()}
	f.index = entity.NewIndex()
	f.index.Configure(map[string]entity.Descriptor{
		"/xyz/sensor0": entity.Node{Type: 5, Instance: 0, Container: 1},
		"/xyz/sensor1": entity.Node{Type: 5, Instance: 1, Container: 1},
		"/xyz/type1":   entity.Node{Type: 1, Instance: 0, Container: 0},
		"/xyz/type2":   entity.Node{Type: 2, Instance: 0, Container: 0},
		"/xyz/type3":   entity.Node{Type: 3, Instance: 0, Container: 0},
	})
	f.policy = entity.NewPolicy(eligible...)
	f.storage = &countingStorage{Storage: persistence.NewFileStorage(f.fs, snapshotPath)}
	f.cache = New(f.index, f.policy, f.storage)
	return f
}

// reopen builds a second cache over the same filesystem, as after a restart.
func (f *fixture) reopen() *Cache {
	return New(f.index, f.policy, persistence.NewFileStorage(f.fs, snapshotPath))
}

func (f *fixture) fileBytes(t *testing.T) []byte {
	t.Helper()
	b, err := util.ReadFile(f.fs, snapshotPath)
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	return b
}

func (f *fixture) fileExists() bool {
	_, err := f.fs.Stat(snapshotPath)
	return err == nil
}

func (f *fixture) stored(t *testing.T) *snapshot.Tables {
	t.Helper()
	tables, err := snapshot.Unmarshal(f.fileBytes(t))
	if err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	return tables
}

func mustPut(t *testing.T, c *Cache, path, iface, prop string, v value.Value) {
	t.Helper()
	if err := c.Put(path, iface, prop, v); err != nil {
		t.Fatalf("Put(%q, %q, %q, %v) failed: %v", path, iface, prop, v, err)
	}
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t, 5)

	mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Int(42))
	want := snapshot.NewTables()
	want.Objects[5] = map[string]*snapshot.Entry{
		"/xyz/sensor0": {
			Instance:   0,
			Container:  1,
			Properties: snapshot.PropertyTable{"Sensor.Value": {"Reading": value.Int(42)}},
		},
	}
	if diff := cmp.Diff(want, f.stored(t)); diff != "" {
		t.Fatalf("snapshot after first put mismatch (-want +got):\n%s", diff)
	}
	first := f.fileBytes(t)

	mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Int(42))
	if f.storage.saves != 1 {
		t.Errorf("saves = %d after identical put, want 1", f.storage.saves)
	}
	if diff := cmp.Diff(first, f.fileBytes(t)); diff != "" {
		t.Errorf("snapshot changed after identical put (-want +got):\n%s", diff)
	}

	mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Int(43))
	want.Objects[5]["/xyz/sensor0"].Properties["Sensor.Value"]["Reading"] = value.Int(43)
	if diff := cmp.Diff(want, f.stored(t)); diff != "" {
		t.Errorf("snapshot after changed put mismatch (-want +got):\n%s", diff)
	}
	if f.storage.saves != 2 {
		t.Errorf("saves = %d, want 2", f.storage.saves)
	}
}

func TestPutDedup(t *testing.T) {
	f := newFixture(t, 5)
	puts := []struct {
		iface, prop string
		v           value.Value
		wantSaves   int
	}{
		{"Sensor.Value", "Reading", value.Float(1.5), 1},
		{"Sensor.Value", "Reading", value.Float(1.5), 1},
		// A new property on an existing interface is a change.
		{"Sensor.Value", "Unit", value.String("Volts"), 2},
		// So is a new interface.
		{"State", "Functional", value.Bool(true), 3},
		{"State", "Functional", value.Bool(true), 3},
		// Same payload, different kind.
		{"Sensor.Value", "Reading", value.Int(1), 4},
		{"Sensor.Value", "Reading", value.Int(1), 4},
	}
	for i, p := range puts {
		mustPut(t, f.cache, "/xyz/sensor0", p.iface, p.prop, p.v)
		if f.storage.saves != p.wantSaves {
			t.Fatalf("put %d: saves = %d, want %d", i, f.storage.saves, p.wantSaves)
		}
	}
}

func TestPutPolicyGating(t *testing.T) {
	f := newFixture(t, 1)

	for i := 0; i < 3; i++ {
		mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Int(int64(i)))
	}
	if f.fileExists() {
		t.Fatalf("snapshot written for an ineligible entity type")
	}
	if f.storage.saves != 0 {
		t.Errorf("saves = %d, want 0", f.storage.saves)
	}
	got, ok := f.cache.Property("/xyz/sensor0", "Sensor.Value", "Reading")
	if !ok || !got.Equal(value.Int(2)) {
		t.Errorf("Property() = %v, %v; want 2, true", got, ok)
	}
}

func TestPutDropped(t *testing.T) {
	tests := []struct {
		name              string
		path, iface, prop string
	}{
		{"unknown path", "/xyz/nowhere", "Sensor.Value", "Reading"},
		{"empty path", "", "Sensor.Value", "Reading"},
		{"empty interface", "/xyz/sensor0", "", "Reading"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5)
			if err := f.cache.Put(tt.path, tt.iface, tt.prop, value.Int(1)); err != nil {
				t.Fatalf("Put() returned %v, want nil", err)
			}
			if diff := cmp.Diff(snapshot.NewTables(), f.cache.Tables()); diff != "" {
				t.Errorf("tables changed (-want +got):\n%s", diff)
			}
			if f.fileExists() || f.storage.saves != 0 {
				t.Errorf("dropped put touched storage")
			}
		})
	}
}

func TestPutInvalidValue(t *testing.T) {
	f := newFixture(t, 5)
	if err := f.cache.Put("/xyz/sensor0", "Sensor.Value", "Reading", value.Value{}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("Put() error = %v, want ErrInvalidValue", err)
	}
	if err := f.cache.PutScalar("k", value.Value{}); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("PutScalar() error = %v, want ErrInvalidValue", err)
	}
	if f.storage.saves != 0 {
		t.Errorf("saves = %d, want 0", f.storage.saves)
	}
}

func nestedValue(depth int) value.Value {
	v := value.Int(1)
	for i := 1; i < depth; i++ {
		v = value.List(v)
	}
	return v
}

func TestPutRejectsNestedInvalidValue(t *testing.T) {
	f := newFixture(t, 5)
	bad := []value.Value{
		value.List(value.Value{}),
		value.List(value.Int(1), value.List(value.Value{})),
		nestedValue(value.MaxDepth + 1),
	}
	for _, v := range bad {
		if err := f.cache.Put("/xyz/sensor0", "I", "Bad", v); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("Put(%v) error = %v, want ErrInvalidValue", v, err)
		}
		if err := f.cache.PutScalar("Bad", v); !errors.Is(err, ErrInvalidValue) {
			t.Errorf("PutScalar(%v) error = %v, want ErrInvalidValue", v, err)
		}
	}
	if diff := cmp.Diff(snapshot.NewTables(), f.cache.Tables()); diff != "" {
		t.Fatalf("rejected values changed the tables (-want +got):\n%s", diff)
	}

	// Later writes still reach storage.
	mustPut(t, f.cache, "/xyz/sensor0", "I", "Good", value.Int(1))
	if err := f.cache.PutScalar("k", value.Int(1)); err != nil {
		t.Fatalf("PutScalar() failed: %v", err)
	}
	if err := f.cache.PurgeAndResnapshot([]uint16{2}); err != nil {
		t.Fatalf("PurgeAndResnapshot() failed: %v", err)
	}
	if diff := cmp.Diff(f.cache.Tables(), f.stored(t)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripMaxDepth(t *testing.T) {
	f := newFixture(t, 5)
	mustPut(t, f.cache, "/xyz/sensor0", "I", "Deep", nestedValue(value.MaxDepth))
	mustPut(t, f.cache, "/xyz/sensor1", "I", "P", value.Int(7))
	if err := f.cache.PutScalar("Deep", nestedValue(value.MaxDepth)); err != nil {
		t.Fatal(err)
	}

	restored := f.reopen()
	if err := restored.Restore(); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if diff := cmp.Diff(f.cache.Tables(), restored.Tables()); diff != "" {
		t.Errorf("restored tables mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidValueOnDroppedUpdate(t *testing.T) {
	f := newFixture(t, 5)
	for _, path := range []string{"/xyz/nowhere", ""} {
		if err := f.cache.Put(path, "I", "P", value.Value{}); err != nil {
			t.Errorf("Put(%q) with an invalid value = %v, want nil", path, err)
		}
	}
	if err := f.cache.Put("/xyz/sensor0", "", "P", value.Value{}); err != nil {
		t.Errorf("Put() with empty interface and invalid value = %v, want nil", err)
	}
}

func TestReconfiguredPathKeepsType(t *testing.T) {
	f := newFixture(t, 5, 9)
	mustPut(t, f.cache, "/xyz/sensor0", "I", "P", value.Int(1))

	f.index.Configure(map[string]entity.Descriptor{"/xyz/sensor0": entity.Node{Type: 9}})
	mustPut(t, f.cache, "/xyz/sensor0", "I", "P", value.Int(2))

	if diff := cmp.Diff([]uint16{5}, f.cache.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}
	if v, ok := f.cache.Property("/xyz/sensor0", "I", "P"); !ok || !v.Equal(value.Int(2)) {
		t.Errorf("Property() = %v, %v; want 2, true", v, ok)
	}
}

func TestWriteFailureLogsOneLine(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	f := newFixture(t, 5)
	f.storage.saveErr = pkgerrors.Wrap(errors.New("disk full"), "failed to write snapshot")
	if err := f.cache.Put("/xyz/sensor0", "I", "P", value.Int(1)); err == nil {
		t.Fatal("Put() succeeded despite a failed write")
	}

	out := strings.TrimSuffix(buf.String(), "\n")
	if strings.Contains(out, "\n") {
		t.Errorf("error log spans several lines:\n%s", out)
	}
	if !strings.Contains(out, "disk full") {
		t.Errorf("error log %q does not name the cause", out)
	}
}

func TestPutEmptyEntryIsFilled(t *testing.T) {
	f := newFixture(t, 5)
	seed := snapshot.NewTables()
	seed.Objects[5] = map[string]*snapshot.Entry{
		"/xyz/sensor0": {Instance: 0, Container: 1, Properties: snapshot.PropertyTable{}},
	}
	if err := persistence.NewFileStorage(f.fs, snapshotPath).Save(seed); err != nil {
		t.Fatal(err)
	}
	if err := f.cache.Restore(); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}

	mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Int(7))
	if f.storage.saves != 1 {
		t.Errorf("saves = %d, want 1", f.storage.saves)
	}
	e, ok := f.cache.Entry(5, "/xyz/sensor0")
	if !ok {
		t.Fatal("Entry() not found")
	}
	want := snapshot.Entry{Instance: 0, Container: 1, Properties: snapshot.PropertyTable{"Sensor.Value": {"Reading": value.Int(7)}}}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("Entry() mismatch (-want +got):\n%s", diff)
	}
}

func TestPutScalarAlwaysWrites(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 3; i++ {
		if err := f.cache.PutScalar("BootCount", value.Uint(1)); err != nil {
			t.Fatalf("PutScalar() failed: %v", err)
		}
		if f.storage.saves != i {
			t.Fatalf("saves = %d, want %d", f.storage.saves, i)
		}
	}
	if got := f.stored(t).Scalars["BootCount"]; !got.Equal(value.Uint(1)) {
		t.Errorf("stored scalar = %v, want 1", got)
	}
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t, 1, 2, 5)
	mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Float(21.5))
	mustPut(t, f.cache, "/xyz/sensor1", "Sensor.Value", "Reading", value.Float(-3))
	mustPut(t, f.cache, "/xyz/type1", "Inventory.Item", "PrettyName", value.String("cpu"))
	mustPut(t, f.cache, "/xyz/type2", "Asset", "Data", value.Bytes([]byte{1, 2, 3}))
	mustPut(t, f.cache, "/xyz/type2", "Asset", "Tags", value.Strings("x", "y"))
	if err := f.cache.PutScalar("PowerRestorePolicy", value.String("AlwaysOn")); err != nil {
		t.Fatal(err)
	}

	restored := f.reopen()
	if err := restored.Restore(); err != nil {
		t.Fatalf("Restore() failed: %v", err)
	}
	if diff := cmp.Diff(f.cache.Tables(), restored.Tables()); diff != "" {
		t.Errorf("restored tables mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{1, 2, 5}, restored.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/xyz/sensor0", "/xyz/sensor1"}, restored.Paths(5)); diff != "" {
		t.Errorf("Paths(5) mismatch (-want +got):\n%s", diff)
	}
	if v, ok := restored.Scalar("PowerRestorePolicy"); !ok || !v.Equal(value.String("AlwaysOn")) {
		t.Errorf("Scalar() = %v, %v", v, ok)
	}

	// Restored values dedup against new writes.
	saves := 0
	counting := &countingStorage{Storage: persistence.NewFileStorage(f.fs, snapshotPath)}
	restored = New(f.index, f.policy, counting)
	if err := restored.Restore(); err != nil {
		t.Fatal(err)
	}
	mustPut(t, restored, "/xyz/sensor0", "Sensor.Value", "Reading", value.Float(21.5))
	if counting.saves != saves {
		t.Errorf("put of a restored value wrote the snapshot")
	}
}

func TestRestoreMissing(t *testing.T) {
	f := newFixture(t)
	mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Int(1))

	if err := f.cache.Restore(); !errors.Is(err, ErrSnapshotMissing) {
		t.Fatalf("Restore() error = %v, want ErrSnapshotMissing", err)
	}
	// Nothing was read, so nothing was cleared.
	if _, ok := f.cache.Property("/xyz/sensor0", "Sensor.Value", "Reading"); !ok {
		t.Errorf("Restore() without a snapshot cleared the cache")
	}
}

func TestRestoreCorrupt(t *testing.T) {
	for name, corrupt := range map[string]func([]byte) []byte{
		"truncated": func(b []byte) []byte { return b[:len(b)/2] },
		"garbage":   func([]byte) []byte { return []byte("garbage") },
		"version":   func(b []byte) []byte { b[5]++; return b },
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 5)
			mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Int(1))
			if err := f.cache.PutScalar("k", value.Bool(true)); err != nil {
				t.Fatal(err)
			}
			if err := util.WriteFile(f.fs, snapshotPath, corrupt(f.fileBytes(t)), 0644); err != nil {
				t.Fatal(err)
			}

			err := f.cache.Restore()
			if !errors.Is(err, ErrSnapshotCorrupt) {
				t.Fatalf("Restore() error = %v, want ErrSnapshotCorrupt", err)
			}
			if !errors.Is(err, snapshot.ErrCorrupt) {
				t.Errorf("Restore() error = %v does not carry the decode error", err)
			}
			if f.fileExists() {
				t.Errorf("corrupt snapshot was not removed")
			}
			if diff := cmp.Diff(snapshot.NewTables(), f.cache.Tables()); diff != "" {
				t.Errorf("cache not empty after corrupt restore (-want +got):\n%s", diff)
			}

			if err := f.cache.Restore(); !errors.Is(err, ErrSnapshotMissing) {
				t.Errorf("second Restore() error = %v, want ErrSnapshotMissing", err)
			}

			// The cache keeps working after recovery.
			mustPut(t, f.cache, "/xyz/sensor0", "Sensor.Value", "Reading", value.Int(2))
			if !f.fileExists() {
				t.Errorf("write after recovery did not recreate the snapshot")
			}
		})
	}
}

func TestPurgeAndResnapshot(t *testing.T) {
	f := newFixture(t, 1)
	mustPut(t, f.cache, "/xyz/type1", "I", "P", value.Int(1))
	mustPut(t, f.cache, "/xyz/type2", "I", "P", value.Int(2))
	mustPut(t, f.cache, "/xyz/type3", "I", "P", value.Int(3))
	saves := f.storage.saves

	if err := f.cache.PurgeAndResnapshot([]uint16{2}); err != nil {
		t.Fatalf("PurgeAndResnapshot() failed: %v", err)
	}
	if diff := cmp.Diff([]uint16{1, 3}, f.cache.Types()); diff != "" {
		t.Errorf("Types() mismatch (-want +got):\n%s", diff)
	}
	if f.storage.saves != saves+1 {
		t.Errorf("purge of an ineligible type did not write the snapshot")
	}
	stored := f.stored(t)
	if _, ok := stored.Objects[2]; ok {
		t.Errorf("purged type still in snapshot")
	}
	if diff := cmp.Diff(f.cache.Tables(), stored); diff != "" {
		t.Errorf("snapshot does not match memory (-want +got):\n%s", diff)
	}
}

func TestPurgeEdgeCases(t *testing.T) {
	f := newFixture(t, 5)
	mustPut(t, f.cache, "/xyz/sensor0", "I", "P", value.Int(1))
	saves := f.storage.saves

	if err := f.cache.PurgeAndResnapshot(nil); err != nil {
		t.Fatal(err)
	}
	if f.storage.saves != saves {
		t.Errorf("empty purge wrote the snapshot")
	}

	if err := f.cache.PurgeAndResnapshot([]uint16{99}); err != nil {
		t.Fatal(err)
	}
	if f.storage.saves != saves+1 {
		t.Errorf("purge without a match did not write the snapshot")
	}
	if _, ok := f.cache.Entry(5, "/xyz/sensor0"); !ok {
		t.Errorf("purge of another type removed type 5")
	}
}

func TestWriteFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.storage.saveErr = errors.New("disk full")

	if err := f.cache.Put("/xyz/sensor0", "I", "P", value.Int(1)); err == nil {
		t.Fatal("Put() succeeded despite a failed write")
	}
	// The value is kept in memory, so repeating it is a no-op ...
	f.storage.saveErr = nil
	mustPut(t, f.cache, "/xyz/sensor0", "I", "P", value.Int(1))
	if f.fileExists() {
		t.Errorf("identical put retried the write")
	}
	// ... and the next change writes everything.
	mustPut(t, f.cache, "/xyz/sensor0", "I", "Q", value.Int(2))
	if diff := cmp.Diff(f.cache.Tables(), f.stored(t)); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	f.storage.saveErr = errors.New("read-only filesystem")
	if err := f.cache.PutScalar("k", value.Int(1)); err == nil {
		t.Error("PutScalar() succeeded despite a failed write")
	}
	if err := f.cache.PurgeAndResnapshot([]uint16{5}); err == nil {
		t.Error("PurgeAndResnapshot() succeeded despite a failed write")
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	f := newFixture(t, 5)
	mustPut(t, f.cache, "/xyz/sensor0", "I", "P", value.Int(1))

	e, _ := f.cache.Entry(5, "/xyz/sensor0")
	e.Properties["I"]["P"] = value.Int(100)
	tables := f.cache.Tables()
	delete(tables.Objects, 5)

	if v, _ := f.cache.Property("/xyz/sensor0", "I", "P"); !v.Equal(value.Int(1)) {
		t.Errorf("mutating a returned copy changed the cache: %v", v)
	}
	if _, ok := f.cache.Property("/xyz/nowhere", "I", "P"); ok {
		t.Errorf("Property() found a value for an unknown path")
	}
}

// BenchmarkPut_Unchanged measures the dedup path, which never touches storage.
func BenchmarkPut_Unchanged(b *testing.B) {
	index := entity.NewIndex()
	index.Configure(map[string]entity.Descriptor{"/xyz/sensor0": entity.Node{Type: 5}})
	c := New(index, entity.NewPolicy(5), persistence.NewMemoryStorage())
	if err := c.Put("/xyz/sensor0", "Sensor.Value", "Reading", value.Float(1)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Put("/xyz/sensor0", "Sensor.Value", "Reading", value.Float(1)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkPut_Changed includes a full snapshot encode per call.
func BenchmarkPut_Changed(b *testing.B) {
	index := entity.NewIndex()
	index.Configure(map[string]entity.Descriptor{"/xyz/sensor0": entity.Node{Type: 5}})
	c := New(index, entity.NewPolicy(5), persistence.NewMemoryStorage())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Put("/xyz/sensor0", "Sensor.Value", "Reading", value.Int(int64(i))); err != nil {
			b.Fatal(err)
		}
	}
}
