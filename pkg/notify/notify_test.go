package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tagstream/pkg/envelope"
	"github.com/nicktill/tagstream/pkg/logging"
)

func recorder(name string, calls *[]string) Observer {
	return ObserverFunc(func(ctx context.Context, b envelope.Batch) error {
		*calls = append(*calls, name+":"+b.DeviceRef)
		return nil
	})
}

func TestPublishInRegistrationOrder(t *testing.T) {
	n := New(logging.Discard(), nil)

	var calls []string
	n.Subscribe(recorder("a", &calls))
	n.Subscribe(recorder("b", &calls))
	n.Subscribe(recorder("c", &calls))

	n.Publish(context.Background(), envelope.Batch{DeviceRef: "plc-1"})
	require.Equal(t, []string{"a:plc-1", "b:plc-1", "c:plc-1"}, calls)
}

func TestFailingObserversAreIsolated(t *testing.T) {
	var failures []error
	n := New(logging.Discard(), func(err error) { failures = append(failures, err) })

	var calls []string
	n.Subscribe(ObserverFunc(func(context.Context, envelope.Batch) error {
		return errors.New("boom")
	}))
	n.Subscribe(ObserverFunc(func(context.Context, envelope.Batch) error {
		panic("kaboom")
	}))
	n.Subscribe(recorder("last", &calls))

	require.NotPanics(t, func() {
		n.Publish(context.Background(), envelope.Batch{DeviceRef: "d"})
	})
	require.Equal(t, []string{"last:d"}, calls)
	require.Len(t, failures, 2)
	require.ErrorContains(t, failures[1], "kaboom")
}

func TestUnsubscribe(t *testing.T) {
	n := New(nil, nil)

	var calls []string
	unsubA := n.Subscribe(recorder("a", &calls))
	n.Subscribe(recorder("b", &calls))
	require.Equal(t, 2, n.Len())

	unsubA()
	unsubA()
	require.Equal(t, 1, n.Len())

	n.Publish(context.Background(), envelope.Batch{DeviceRef: "d"})
	require.Equal(t, []string{"b:d"}, calls)
}

func TestPublishWithoutObservers(t *testing.T) {
	n := New(nil, nil)
	require.NotPanics(t, func() {
		n.Publish(context.Background(), envelope.Batch{})
	})
}
