package upload

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-render-farm/internal/storage"
)

func TestRemoteKey(t *testing.T) {
	tests := []struct {
		folder, path, want string
	}{
		{"/Renders", "/shots/010/renders/main/main.0007.exr", "Renders/main.0007.exr"},
		{"/Renders/shot010/", "/x/data.0001.exr", "Renders/shot010/data.0001.exr"},
		{"", "/x/a.png", "Renders/a.png"},
		{"bucket-root", "a.png", "bucket-root/a.png"},
	}
	for _, tt := range tests {
		if got := RemoteKey(tt.folder, tt.path); got != tt.want {
			t.Errorf("RemoteKey(%q, %q) = %q, want %q", tt.folder, tt.path, got, tt.want)
		}
	}
}

func TestBlobSinkPut(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	sink := NewBlobSink(store, nil)
	defer sink.Close()

	local := filepath.Join(t.TempDir(), "main.0007.exr")
	os.WriteFile(local, []byte("pixels"), 0644)

	if err := sink.Put(context.Background(), local, "/Renders"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := store.Exists(context.Background(), "Renders/main.0007.exr")
	if err != nil || !ok {
		t.Errorf("object missing: %v %v", ok, err)
	}
	if sink.Capability() != Available {
		t.Errorf("capability = %v", sink.Capability())
	}
}

func TestBlobSinkPutError(t *testing.T) {
	store, err := storage.NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	sink := NewBlobSink(store, nil)

	err = sink.Put(context.Background(), filepath.Join(t.TempDir(), "missing.exr"), "/Renders")
	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if uerr.Key != "Renders/missing.exr" {
		t.Errorf("key = %q", uerr.Key)
	}
}

func TestUnavailableSinkWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	sink := NewBlobSink(nil, nil)
	sink.log = slog.New(slog.NewTextHandler(&buf, nil))

	for i := 0; i < 3; i++ {
		if err := sink.Put(context.Background(), "/x/a.exr", "/Renders"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	if n := strings.Count(buf.String(), "no upload sink"); n != 1 {
		t.Errorf("warned %d times, want 1", n)
	}
}

func TestDisabledSink(t *testing.T) {
	sink := NewDisabledSink()
	if err := sink.Put(context.Background(), "/x/a.exr", ""); err != nil {
		t.Errorf("disabled Put = %v", err)
	}
	if sink.Capability() != Disabled || sink.Capability().String() != "disabled" {
		t.Errorf("capability = %v", sink.Capability())
	}
}
