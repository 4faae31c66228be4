package sim_test

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/c35s/qspiflash/sim"
	"github.com/google/go-cmp/cmp"
)

func TestStorage(t *testing.T) {
	file, err := sim.OpenFileStorage(filepath.Join(t.TempDir(), "flash.bin"), 3*4096+100)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { file.Close() })

	for name, s := range map[string]sim.Storage{
		"mem":    sim.NewMemStorage(3*4096 + 100),
		"sparse": sim.NewSparseStorage(3*4096 + 100),
		"file":   file,
	} {
		t.Run(name, func(t *testing.T) {
			size, err := s.Size()
			if err != nil {
				t.Fatal(err)
			}

			if size != 3*4096+100 {
				t.Errorf("size: %d", size)
			}

			p := make([]byte, 64)
			if _, err := s.ReadAt(p, 4000); err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(p, bytes.Repeat([]byte{0xff}, 64)) {
				t.Errorf("erased read: % x", p)
			}

			// straddles a chunk boundary
			want := []byte("across the boundary")
			if _, err := s.WriteAt(want, 4090); err != nil {
				t.Fatal(err)
			}

			got := make([]byte, len(want))
			if _, err := s.ReadAt(got, 4090); err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(want, got); diff != "" {
				t.Error(diff)
			}

			tail := make([]byte, 10)
			n, err := s.ReadAt(tail, size-4)
			if n != 4 || !errors.Is(err, io.EOF) {
				t.Errorf("read past end: n=%d err=%v", n, err)
			}
		})
	}
}

func TestFileStoragePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")

	s, err := sim.OpenFileStorage(path, 8192)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.WriteAt([]byte{1, 2, 3}, 100); err != nil {
		t.Fatal(err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = sim.OpenFileStorage(path, 8192)
	if err != nil {
		t.Fatal(err)
	}

	defer s.Close()

	p := make([]byte, 4)
	if _, err := s.ReadAt(p, 100); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]byte{1, 2, 3, 0xff}, p); diff != "" {
		t.Error(diff)
	}
}
