package models

import (
	artifactmodels "veritas/internal/artifact/models"
	provenancemodels "veritas/internal/provenance/models"
)

// Facts are the verification facts about one artifact that disclosures draw
// on. Categories the permission set does not need are left nil.
type Facts struct {
	Attestation *artifactmodels.Attestation
	Lineage     *provenancemodels.Lineage
}
