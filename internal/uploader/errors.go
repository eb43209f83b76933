package uploader

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/minio/minio-go/v7"
)

// Kind buckets upload failures by how the coordinator should react.
type Kind int

const (
	// KindTransient failures (timeouts, resets, 5xx) retry on backoff.
	KindTransient Kind = iota
	// KindPermanent failures (rejected payload, missing local file, most
	// 4xx) retry up to the attempt budget, then wait for manual action.
	KindPermanent
	// KindAuth failures pause all sync until credentials are refreshed and
	// never count against a snap's retry budget.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error is an upload failure tagged with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsAuth(err error) bool      { return kindOf(err) == KindAuth }
func IsTransient(err error) bool { return kindOf(err) == KindTransient }
func IsPermanent(err error) bool { return kindOf(err) == KindPermanent }

func kindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindTransient
}

func authErr(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

func permanentErr(op string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Err: err}
}

// classify tags a raw remote error. Anything unrecognized is treated as
// transient: retrying a permanent failure wastes a few attempts, dropping a
// transient one loses the snap.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}

	kind := KindTransient
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// Bounded attempt timeout.
	case isMinioErr(err, &kind):
	case isPostgresErr(err, &kind):
	case isNetErr(err):
		// Dial failures, resets, DNS. All retryable.
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func isNetErr(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr)
}

func isMinioErr(err error, kind *Kind) bool {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 0 {
		return false
	}
	switch {
	case resp.StatusCode == 401 || resp.StatusCode == 403:
		*kind = KindAuth
	case resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500:
		*kind = KindTransient
	case resp.StatusCode >= 400:
		*kind = KindPermanent
	}
	return true
}

func isPostgresErr(err error, kind *Kind) bool {
	var pgerr *pgconn.PgError
	if !errors.As(err, &pgerr) {
		return false
	}
	switch {
	case len(pgerr.Code) >= 2 && pgerr.Code[:2] == "28":
		// invalid_authorization_specification / invalid_password
		*kind = KindAuth
	case len(pgerr.Code) >= 2 && (pgerr.Code[:2] == "08" || pgerr.Code[:2] == "53" || pgerr.Code[:2] == "57"):
		// connection failures, insufficient resources, operator intervention
		*kind = KindTransient
	default:
		*kind = KindPermanent
	}
	return true
}
