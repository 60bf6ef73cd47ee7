// Package deliver hands finished ebook packages to their destination: a
// Kindle address by email or a directory on disk.
package deliver

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/hyperifyio/kindlesender/internal/ebook"
)

// Method names a delivery channel.
type Method string

const (
	MethodEmail Method = "email"
	MethodFile  Method = "file"
)

// ParseMethod accepts "email" and "file".
func ParseMethod(s string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MethodEmail:
		return MethodEmail, nil
	case MethodFile:
		return MethodFile, nil
	}
	return "", fmt.Errorf("unknown delivery method %q", s)
}

// Destination says where one package goes. Exactly one destination is used
// per run.
type Destination struct {
	Method Method
	// Address is the Kindle delivery address for MethodEmail.
	Address string
	// Dir is the output directory for MethodFile.
	Dir string
}

func (d Destination) String() string {
	if d.Method == MethodFile {
		return d.Dir
	}
	return d.Address
}

// Validate checks the destination without touching the network or disk.
func (d Destination) Validate() error {
	switch d.Method {
	case MethodEmail:
		addr, err := mail.ParseAddress(strings.TrimSpace(d.Address))
		if err != nil {
			return &Error{Kind: KindInvalidDestination, Destination: d.Address, Err: err}
		}
		if addr.Name != "" || !strings.Contains(addr.Address, "@") {
			return &Error{Kind: KindInvalidDestination, Destination: d.Address, Err: errors.New("expected a bare email address")}
		}
	case MethodFile:
		if strings.TrimSpace(d.Dir) == "" {
			return &Error{Kind: KindInvalidDestination, Err: errors.New("output directory is empty")}
		}
	default:
		return &Error{Kind: KindInvalidDestination, Destination: d.String(), Err: fmt.Errorf("unknown delivery method %q", d.Method)}
	}
	return nil
}

// Receipt is the outcome of one delivery.
type Receipt struct {
	Method      Method    `json:"method"`
	Destination string    `json:"destination"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	// Attempts counts send attempts, Retries those after the first.
	Attempts int      `json:"attempts"`
	Retries  int      `json:"retries"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// Path is the written file for MethodFile.
	Path  string `json:"path,omitempty"`
	Bytes int    `json:"bytes"`
}

// Deliverer sends a package to a destination. On failure the returned
// receipt still describes what was tried.
type Deliverer interface {
	Deliver(ctx context.Context, pkg *ebook.Package, dest Destination) (Receipt, error)
}

// Dispatcher routes a package to the deliverer for its destination method.
type Dispatcher struct {
	Email Deliverer
	File  Deliverer
}

func (d Dispatcher) Deliver(ctx context.Context, pkg *ebook.Package, dest Destination) (Receipt, error) {
	var target Deliverer
	switch dest.Method {
	case MethodEmail:
		target = d.Email
	case MethodFile:
		target = d.File
	}
	if target == nil {
		err := &Error{Kind: KindInvalidDestination, Destination: dest.String(), Err: fmt.Errorf("delivery method %q is not configured", dest.Method)}
		return failed(newReceipt(dest, pkg), err), err
	}
	return target.Deliver(ctx, pkg, dest)
}

// checkPackage refuses packages that would reach a reader broken.
func checkPackage(pkg *ebook.Package) error {
	if pkg == nil || len(pkg.Data) == 0 {
		return &Error{Kind: KindInvalidPackage, Err: errors.New("empty package")}
	}
	if pkg.Format == ebook.FormatEPUB || pkg.Format == "" {
		if err := ebook.Validate(pkg.Data); err != nil {
			return &Error{Kind: KindInvalidPackage, Err: err}
		}
	}
	return nil
}

func newReceipt(dest Destination, pkg *ebook.Package) Receipt {
	r := Receipt{Method: dest.Method, Destination: dest.String()}
	if pkg != nil {
		r.Warnings = append([]string(nil), pkg.Warnings...)
		r.Bytes = len(pkg.Data)
	}
	return r
}

func failed(r Receipt, err error) Receipt {
	r.Success = false
	r.Error = err.Error()
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	return r
}
