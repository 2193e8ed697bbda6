package nn

import (
	"errors"
	"testing"

	"latentcal/internal/autodiff"
)

func square(x *autodiff.Node) *autodiff.Node { return autodiff.Square(x) }

func identity(x *autodiff.Node) *autodiff.Node { return x }

func TestRegisterAndGetActivation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation("quad", square); err != nil {
		t.Fatalf("register activation: %v", err)
	}
	fn, err := GetActivation("quad")
	if err != nil {
		t.Fatalf("get activation: %v", err)
	}
	if got := fn(autodiff.Scalar(3)).Item(); got != 9 {
		t.Fatalf("unexpected activation result: got=%f want=9", got)
	}
}

func TestRegisterActivationValidation(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation("", identity); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := RegisterActivation("nil", nil); err == nil {
		t.Fatal("expected nil function error")
	}
	if err := RegisterActivationWithSpec(ActivationSpec{
		Name:          "bad-version",
		Func:          identity,
		SchemaVersion: 99,
		CodecVersion:  1,
	}); !errors.Is(err, ErrActivationVersion) {
		t.Fatalf("expected ErrActivationVersion, got: %v", err)
	}
}

func TestRegisterActivationDuplicate(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation("dup", identity); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := RegisterActivation("dup", identity); !errors.Is(err, ErrActivationExists) {
		t.Fatalf("expected ErrActivationExists, got: %v", err)
	}
}

func TestGetActivationNotFound(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	_, err := GetActivation("missing")
	if !errors.Is(err, ErrActivationNotFound) {
		t.Fatalf("expected ErrActivationNotFound, got: %v", err)
	}
}

func TestListActivationsSorted(t *testing.T) {
	resetActivationRegistryForTests()
	t.Cleanup(resetActivationRegistryForTests)

	if err := RegisterActivation("b", identity); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := RegisterActivation("a", identity); err != nil {
		t.Fatalf("register a: %v", err)
	}

	names := ListActivations()
	if len(names) < 7 {
		t.Fatalf("expected built-ins plus custom activations, got: %+v", names)
	}
	if names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected activation list: %+v", names)
	}
}

func TestBuiltinsAvailable(t *testing.T) {
	for _, name := range []string{"identity", "relu", "leaky_relu", "tanh", "sigmoid"} {
		fn, err := GetActivation(name)
		if err != nil {
			t.Fatalf("get builtin activation %s: %v", name, err)
		}
		_ = fn(autodiff.Scalar(1.0))
	}
}

func TestLeakyReLUSlope(t *testing.T) {
	fn, err := GetActivation("leaky_relu")
	if err != nil {
		t.Fatalf("get leaky_relu: %v", err)
	}
	if got := fn(autodiff.Scalar(-1)).Item(); got != -LeakySlope {
		t.Fatalf("unexpected negative slope: got=%v want=%v", got, -LeakySlope)
	}
}
