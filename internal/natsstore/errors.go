package natsstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"kvclient/internal/storage"
)

// isConflict reports whether err means another writer moved the key since
// we read it.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "10071")
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// classify maps client library errors onto the storage taxonomy so the
// caller's retry policy can tell transient faults from permanent ones.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("natsstore: %s: %w", op, err)
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled):
		return fmt.Errorf("natsstore: %s: %w: %w", op, storage.ErrUnavailable, err)
	case errors.Is(err, jetstream.ErrInvalidKey), errors.Is(err, jetstream.ErrInvalidBucketName):
		return fmt.Errorf("natsstore: %s: %w: %w", op, storage.ErrInvalidArgument, err)
	case isConflict(err):
		return fmt.Errorf("natsstore: %s: %w: %w", op, storage.ErrConflict, err)
	}
	return fmt.Errorf("natsstore: %s: %w", op, err)
}
