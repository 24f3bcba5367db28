package maintenance

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/protosync/internal/logging"
	"github.com/JonMunkholm/protosync/internal/store"
)

// Uniqueness enforcement outcomes.
const (
	UniqueAlreadyPresent = "already_present"
	UniqueCreated        = "created"
	UniqueAborted        = "aborted"
)

// RepairInstruction tells the operator how to clear an aborted enforcement.
const RepairInstruction = "run `protosync dedup` to remove duplicates, then retry `protosync enforce-unique`"

// UniqueReport is the outcome of EnforceUniqueness.
type UniqueReport struct {
	Status      string         `json:"status"`
	Groups      []GroupSummary `json:"groups,omitempty"`
	Instruction string         `json:"instruction,omitempty"`
}

// EnforceUniqueness installs the unique constraint on the comparison key.
//
// It is a no-op when the constraint exists. When duplicates are present it
// creates nothing, lists the offending groups and returns an error wrapping
// store.ErrDuplicatesPresent.
func EnforceUniqueness(ctx context.Context, s store.Store) (*UniqueReport, error) {
	log := logging.WithFields(ctx, "op", "enforce-unique")

	exists, err := s.UniqueIndexExists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check unique index: %w", err)
	}
	if exists {
		log.Info("unique constraint already present")
		return &UniqueReport{Status: UniqueAlreadyPresent}, nil
	}

	groups, err := FindDuplicateGroups(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(groups) > 0 {
		return abort(ctx, Summarize(groups))
	}

	if err := s.CreateUniqueIndex(ctx); err != nil {
		if errors.Is(err, store.ErrDuplicatesPresent) {
			// A writer slipped a duplicate in after the scan.
			groups, ferr := FindDuplicateGroups(ctx, s)
			if ferr != nil {
				return nil, errors.Join(err, ferr)
			}
			return abort(ctx, Summarize(groups))
		}
		return nil, fmt.Errorf("create unique index: %w", err)
	}

	log.Info("unique constraint created")
	return &UniqueReport{Status: UniqueCreated}, nil
}

func abort(ctx context.Context, groups []GroupSummary) (*UniqueReport, error) {
	logging.WithFields(ctx, "op", "enforce-unique").
		Warn("duplicates present, constraint not created", "groups", len(groups))

	return &UniqueReport{
		Status:      UniqueAborted,
		Groups:      groups,
		Instruction: RepairInstruction,
	}, fmt.Errorf("%w: %d groups", store.ErrDuplicatesPresent, len(groups))
}
