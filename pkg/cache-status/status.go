// Package cachestatus builds values for the Cache-Status response header.
package cachestatus

import "fmt"

const HeaderName = "Cache-Status"

// Identifier is the cache name reported in the header.
const Identifier = "RouteCache"

type Status string

const (
	Hit     Status = "hit"
	Forward Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"
)

type CacheStatus struct {
	status    Status
	fwdReason FwdReason
	stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = Hit
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = Forward
	cs.fwdReason = reason
}

// Stored marks that the forwarded response was written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", Identifier, cs.status)
	if cs.status == Forward && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
