/*
Package sequence generates human-readable document codes.

FORMAT:
  S{store}-{YYMMDD}-{KIND}-{terminal}-{seq}

  S3-261017-CLR-00-001   first stock operation at store 3 on terminal 00
  S3-261017-TRF-02-014   fourteenth transfer request from terminal 02

  seq is at least three digits and counts per prefix, so each store, day,
  kind and terminal has its own counter.

ATOMICITY:
  The counter is advanced by a single statement in the database
  (INSERT ... ON CONFLICT DO UPDATE ... RETURNING). Two concurrent callers
  can never observe the same value, unlike counting existing rows and
  adding one.

  Codes that can also arrive from outside (imported device transactions)
  are issued through NextUnused, which skips numbers already taken.
*/
package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

type Kind string

const (
	KindOperation   Kind = "CLR"
	KindTransfer    Kind = "TRF"
	KindTransaction Kind = "TXN"
)

// DefaultTerminal is used when a request carries no terminal id.
const DefaultTerminal = "00"

var (
	ErrInvalidTerminal = errors.New("terminal must be 1-8 letters or digits")
	ErrInvalidStore    = errors.New("store number must be positive")
	ErrInvalidKind     = errors.New("unknown code kind")
	ErrExhausted       = errors.New("no unused sequence number found")
)

// maxSkips bounds how many taken numbers NextUnused passes over.
const maxSkips = 1000

var terminalPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,8}$`)

// Counter hands out the next value for a prefix. Implementations must be
// atomic across concurrent callers and processes.
type Counter interface {
	NextSequence(ctx context.Context, prefix string) (int64, error)
}

type Request struct {
	Kind     Kind
	Store    int
	Date     time.Time
	Terminal string
}

// Prefix builds everything before the sequence number.
func Prefix(r Request) (string, error) {
	switch r.Kind {
	case KindOperation, KindTransfer, KindTransaction:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, string(r.Kind))
	}
	if r.Store <= 0 {
		return "", ErrInvalidStore
	}
	terminal := r.Terminal
	if terminal == "" {
		terminal = DefaultTerminal
	}
	if !terminalPattern.MatchString(terminal) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTerminal, terminal)
	}
	return fmt.Sprintf("S%d-%s-%s-%s", r.Store, r.Date.Format("060102"), r.Kind, terminal), nil
}

func Format(prefix string, seq int64) string {
	return fmt.Sprintf("%s-%03d", prefix, seq)
}

// Next reserves the next code for r.
func Next(ctx context.Context, c Counter, r Request) (string, error) {
	prefix, err := Prefix(r)
	if err != nil {
		return "", err
	}
	seq, err := c.NextSequence(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("next sequence for %s: %w", prefix, err)
	}
	return Format(prefix, seq), nil
}

// NextUnused is Next for kinds whose codes may already exist. Numbers for
// which taken reports true are consumed and skipped, so the counter ends
// past them and later calls do not hit them again.
func NextUnused(ctx context.Context, c Counter, r Request, taken func(context.Context, string) (bool, error)) (string, error) {
	prefix, err := Prefix(r)
	if err != nil {
		return "", err
	}
	for i := 0; i < maxSkips; i++ {
		seq, err := c.NextSequence(ctx, prefix)
		if err != nil {
			return "", fmt.Errorf("next sequence for %s: %w", prefix, err)
		}
		code := Format(prefix, seq)
		exists, err := taken(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code %s: %w", code, err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrExhausted, prefix)
}

// ValidTerminal reports whether t is usable in a code. Empty is valid and
// means DefaultTerminal.
func ValidTerminal(t string) bool {
	return t == "" || terminalPattern.MatchString(t)
}
