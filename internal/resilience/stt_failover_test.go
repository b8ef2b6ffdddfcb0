package resilience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cantinaos/cantina/internal/resilience"
	sttmock "github.com/cantinaos/cantina/pkg/provider/stt/mock"
)

func TestSTTFailover_PrimaryOpensSession(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}

	f := resilience.NewSTTFailover(primary, "primary", resilience.FailoverConfig{})
	f.Add("secondary", secondary)

	sess, err := f.Start(context.Background(), 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("session is nil")
	}
	if primary.CallCountStart != 1 || secondary.CallCountStart != 0 {
		t.Fatalf("calls = %d/%d, want 1/0", primary.CallCountStart, secondary.CallCountStart)
	}
	_ = sess.Close()
}

func TestSTTFailover_SecondaryOpensSessionWhenPrimaryFails(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartError: errors.New("primary down")}
	secondary := &sttmock.Provider{}

	f := resilience.NewSTTFailover(primary, "primary", resilience.FailoverConfig{})
	f.Add("secondary", secondary)

	sess, err := f.Start(context.Background(), 16000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil {
		t.Fatal("session is nil")
	}
	if secondary.CallCountStart != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.CallCountStart)
	}
	_ = sess.Close()
}

func TestSTTFailover_AllBackendsDown(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartError: errors.New("primary down")}
	secondary := &sttmock.Provider{StartError: errors.New("secondary down")}

	f := resilience.NewSTTFailover(primary, "primary", resilience.FailoverConfig{})
	f.Add("secondary", secondary)

	_, err := f.Start(context.Background(), 16000)
	if !errors.Is(err, resilience.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
}
