package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	artifactmodels "veritas/internal/artifact/models"
	"veritas/internal/integrity/digest"
	"veritas/internal/portal/models"
	provenancemodels "veritas/internal/provenance/models"
)

// signatureAlgorithm is the JWS algorithm of every envelope.
const signatureAlgorithm = "PS256"

// sharedLookupTimeout bounds a registry lookup shared by concurrent callers.
const sharedLookupTimeout = 10 * time.Second

// IntegrityDigestMismatch is reported when the registry holds a different
// digest for the artifact than the one the token was issued for.
const IntegrityDigestMismatch = "digest_mismatch"

type AttestationSource interface {
	Attestation(ctx context.Context, artifactID string) (*artifactmodels.Attestation, error)
}

type LineageSource interface {
	Lineage(ctx context.Context, artifactID string) (*provenancemodels.Lineage, error)
}

// RegistryFacts reads facts from the artifact registry and the provenance
// graph. Concurrent lookups for the same artifact share one call.
type RegistryFacts struct {
	attestations AttestationSource
	lineage      LineageSource
	group        singleflight.Group
}

func NewRegistryFacts(attestations AttestationSource, lineage LineageSource) *RegistryFacts {
	return &RegistryFacts{attestations: attestations, lineage: lineage}
}

func needsAttestation(perms models.PermissionSet) bool {
	return perms.Has(models.PermTimestamp) ||
		perms.Has(models.PermAttestationSummary) ||
		perms.Has(models.PermIntegrityStatus)
}

// RegisteredDigest returns the digest the registry sealed for artifactID.
func (f *RegistryFacts) RegisteredDigest(ctx context.Context, artifactID string) (string, error) {
	att, err := f.attestations.Attestation(ctx, artifactID)
	if err != nil {
		return "", err
	}
	return att.Digest, nil
}

func (f *RegistryFacts) Facts(ctx context.Context, artifactID string, perms models.PermissionSet) (*models.Facts, error) {
	facts := &models.Facts{}
	g, gctx := errgroup.WithContext(ctx)
	if needsAttestation(perms) {
		g.Go(func() error {
			v, err := f.shared(gctx, "attestation:"+artifactID, func(ctx context.Context) (any, error) {
				return f.attestations.Attestation(ctx, artifactID)
			})
			if err != nil {
				return err
			}
			facts.Attestation = v.(*artifactmodels.Attestation)
			return nil
		})
	}
	if perms.Has(models.PermLineage) {
		g.Go(func() error {
			v, err := f.shared(gctx, "lineage:"+artifactID, func(ctx context.Context) (any, error) {
				return f.lineage.Lineage(ctx, artifactID)
			})
			if err != nil {
				return err
			}
			facts.Lineage = v.(*provenancemodels.Lineage)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return facts, nil
}

// shared runs fn once per key for all concurrent callers. The call itself
// is detached from the caller that started it, so one cancelled request
// cannot fail the others; each caller stops waiting when its own ctx ends.
func (f *RegistryFacts) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		return fn(callCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// buildDisclosure copies only the permitted facts. Every withheld category
// stays nil so it is absent from the encoded result.
func buildDisclosure(t *models.Token, facts *models.Facts) *models.Disclosure {
	d := &models.Disclosure{}
	perms := t.Permissions
	if perms.Has(models.PermDigest) {
		sum := t.ArtifactDigest
		d.Digest = &sum
	}
	if att := facts.Attestation; att != nil {
		if perms.Has(models.PermTimestamp) {
			sealedAt := att.SealedAt.UTC()
			d.Timestamp = &sealedAt
		}
		if perms.Has(models.PermAttestationSummary) {
			d.AttestationSummary = &models.AttestationSummary{
				Issuer:             att.Issuer,
				SignatureAlgorithm: signatureAlgorithm,
				ClassificationKey:  att.ClassificationKey,
			}
		}
		if perms.Has(models.PermIntegrityStatus) {
			status := string(att.Status)
			if !digest.Equal(att.Digest, t.ArtifactDigest) {
				status = IntegrityDigestMismatch
			}
			d.IntegrityStatus = &status
		}
	}
	if perms.Has(models.PermLineage) && facts.Lineage != nil {
		d.Lineage = &models.LineageSummary{
			Ancestors:   lineageLinks(facts.Lineage.Ancestors),
			Descendants: lineageLinks(facts.Lineage.Descendants),
		}
	}
	return d
}

func lineageLinks(edges []provenancemodels.Edge) []models.LineageLink {
	links := make([]models.LineageLink, len(edges))
	for i, e := range edges {
		links[i] = models.LineageLink{ParentID: e.ParentID, ChildID: e.ChildID, Relation: e.Relation}
	}
	return links
}
