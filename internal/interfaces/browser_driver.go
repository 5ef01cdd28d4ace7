package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrElementDetached is returned when an element handle no longer refers to a node in the live document
	ErrElementDetached = errors.New("element detached from document")

	// ErrWaitTimeout is returned when a Wait predicate never became true within its timeout
	ErrWaitTimeout = errors.New("wait timed out")
)

// ElementHandle is an opaque reference to an element in the current document.
// Handles are only valid for the rendering state they were obtained in.
type ElementHandle interface {
	// Ref returns a stable identifier for logging and comparison
	Ref() string
}

// WaitPredicate is polled by BrowserDriver.Wait until it returns true
type WaitPredicate func(ctx context.Context) (bool, error)

// BrowserDriver is the capability set the marker extraction core needs from a
// remote automated browser session. Implementations are not safe for
// concurrent use: one session has one DOM, one viewport and one popup slot.
type BrowserDriver interface {
	// Navigate loads url and waits for the document to be ready
	Navigate(ctx context.Context, url string) error

	// Find returns every element matching selector. When scope is non-nil the
	// query runs relative to that element. An empty result is not an error.
	Find(ctx context.Context, selector string, scope ElementHandle) ([]ElementHandle, error)

	// Click dispatches a mouse click on the element's center
	Click(ctx context.Context, el ElementHandle) error

	// Text returns the rendered text content of the element
	Text(ctx context.Context, el ElementHandle) (string, error)

	// RunScript evaluates src, a JavaScript function expression, applied to args.
	// The return value is decoded into result when result is non-nil.
	RunScript(ctx context.Context, src string, result interface{}, args ...interface{}) error

	// Screenshot captures the current viewport as PNG
	Screenshot(ctx context.Context) ([]byte, error)

	// Wait polls predicate until it returns true, returns an error, or timeout
	// elapses (ErrWaitTimeout)
	Wait(ctx context.Context, predicate WaitPredicate, timeout time.Duration) error

	// Close terminates the browser session
	Close() error
}
