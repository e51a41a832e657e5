package models

import (
	"sort"
	"strings"
	"time"
)

// Permission names one category of verification facts a token may disclose.
type Permission string

const (
	PermDigest             Permission = "digest"
	PermTimestamp          Permission = "timestamp"
	PermAttestationSummary Permission = "attestation_summary"
	PermIntegrityStatus    Permission = "integrity_status"
	PermLineage            Permission = "lineage"
)

// AllPermissions lists every known permission in disclosure order.
var AllPermissions = []Permission{
	PermDigest,
	PermTimestamp,
	PermAttestationSummary,
	PermIntegrityStatus,
	PermLineage,
}

// DefaultPermissions applies when an issue request names none.
var DefaultPermissions = []Permission{PermDigest, PermTimestamp, PermAttestationSummary}

var permissionRank = func() map[Permission]int {
	m := make(map[Permission]int, len(AllPermissions))
	for i, p := range AllPermissions {
		m[p] = i
	}
	return m
}()

// ParsePermission accepts the canonical name as well as hyphenated and
// upper-case spellings ("attestation-summary").
func ParsePermission(s string) (Permission, bool) {
	p := Permission(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	_, ok := permissionRank[p]
	return p, ok
}

// PermissionSet is a sorted, duplicate-free list of permissions.
type PermissionSet []Permission

// NewPermissionSet dedupes and orders perms. Unknown values are kept at the
// end so callers can report them; use Unknown to find them.
func NewPermissionSet(perms []Permission) PermissionSet {
	seen := make(map[Permission]struct{}, len(perms))
	out := make(PermissionSet, 0, len(perms))
	for _, p := range perms {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, okI := permissionRank[out[i]]
		rj, okJ := permissionRank[out[j]]
		switch {
		case okI && okJ:
			return ri < rj
		case okI != okJ:
			return okI
		default:
			return out[i] < out[j]
		}
	})
	return out
}

func (s PermissionSet) Has(p Permission) bool {
	for _, have := range s {
		if have == p {
			return true
		}
	}
	return false
}

// Unknown returns the members that are not known permissions.
func (s PermissionSet) Unknown() []Permission {
	var out []Permission
	for _, p := range s {
		if _, ok := permissionRank[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Withheld returns the known permissions missing from s, in disclosure order.
func (s PermissionSet) Withheld() []Permission {
	var out []Permission
	for _, p := range AllPermissions {
		if !s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s PermissionSet) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = string(p)
	}
	return out
}

// PermissionSetFromStrings is the inverse of Strings for stored values.
func PermissionSetFromStrings(values []string) PermissionSet {
	perms := make([]Permission, len(values))
	for i, v := range values {
		perms[i] = Permission(v)
	}
	return NewPermissionSet(perms)
}

// Token is a single-use disclosure capability. Everything except Used,
// UsedAt and Revoked is immutable after issuance.
type Token struct {
	Token          string
	ArtifactID     string
	ArtifactDigest string
	AllowedParty   string
	Permissions    PermissionSet
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Used           bool
	UsedAt         *time.Time
	Revoked        bool
}

// ExpiredAt reports whether the token is past its expiry at now. A token is
// still valid at the exact expiry instant.
func (t *Token) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// NormalizeParty is the comparison form of a party name.
func NormalizeParty(party string) string {
	return strings.ToLower(strings.TrimSpace(party))
}

type IssueRequest struct {
	ArtifactID     string
	ArtifactDigest string
	AllowedParty   string
	TTLHours       int
	Permissions    []string
}

type IssueResult struct {
	Token       string
	ExpiresAt   time.Time
	Permissions PermissionSet
}

// Reason is the coarse outcome of a failed redemption.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonInvalidToken Reason = "invalid_token"
	ReasonExpired      Reason = "expired"
	ReasonAlreadyUsed  Reason = "already_used"
	ReasonUnauthorized Reason = "unauthorized"
)

// DisclosureResult is the outcome of a redemption. On failure only Reason
// is set.
type DisclosureResult struct {
	Success       bool
	Reason        Reason
	Disclosed     *Disclosure
	PrivacyNotice string
}

// Disclosure carries exactly the permitted facts. Withheld categories are
// nil and omitted from the encoded form.
type Disclosure struct {
	Digest             *string             `json:"digest,omitempty"`
	Timestamp          *time.Time          `json:"timestamp,omitempty"`
	AttestationSummary *AttestationSummary `json:"attestation_summary,omitempty"`
	IntegrityStatus    *string             `json:"integrity_status,omitempty"`
	Lineage            *LineageSummary     `json:"lineage,omitempty"`
}

// AttestationSummary describes who sealed the artifact and how. It carries
// neither the digest nor any timestamp; those are separate permissions.
type AttestationSummary struct {
	Issuer             string `json:"issuer"`
	SignatureAlgorithm string `json:"signature_algorithm"`
	ClassificationKey  string `json:"classification_key"`
}

type LineageSummary struct {
	Ancestors   []LineageLink `json:"ancestors"`
	Descendants []LineageLink `json:"descendants"`
}

// LineageLink is a provenance edge stripped of ids and timestamps.
type LineageLink struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
	Relation string `json:"relation"`
}

// TokenStatus is the operator view of a token. Reading it never consumes.
type TokenStatus struct {
	Exists           bool
	Expired          bool
	Used             bool
	Revoked          bool
	RemainingSeconds int64
	AllowedParty     string
	ExpiresAt        time.Time
}
