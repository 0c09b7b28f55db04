package device

import (
	"context"
	"testing"
)

const testCtorName = "device-test-ctor"

func init() {
	Register(testCtorName, func(d Descriptor, deps Deps) (Device, error) {
		return &stubDevice{desc: d}, nil
	})
}

type stubDevice struct {
	desc Descriptor
}

func (s *stubDevice) Name() string                        { return s.desc.Name }
func (s *stubDevice) Startup(ctx context.Context) error    { return nil }
func (s *stubDevice) Run(ctx context.Context, tasks []string) {}

func TestRegisterAndNewConstructsRegisteredDevice(t *testing.T) {
	d, err := New(testCtorName, Descriptor{Name: "probe"}, Deps{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.Name() != "probe" {
		t.Fatalf("Name() = %q, want probe", d.Name())
	}
}

func TestNewUnknownModuleErrors(t *testing.T) {
	if _, err := New("no-such-module", Descriptor{}, Deps{}); err == nil {
		t.Fatal("New with an unregistered module name must error")
	}
}

func TestKnownIncludesRegisteredNames(t *testing.T) {
	found := false
	for _, n := range Known() {
		if n == testCtorName {
			found = true
		}
	}
	if !found {
		t.Fatalf("Known() = %v, missing %q", Known(), testCtorName)
	}
}
