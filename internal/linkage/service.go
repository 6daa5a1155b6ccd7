package linkage

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/logger"
	"github.com/dvloznov/finance-reconciler/internal/store"
)

// EnsurePending creates the PENDING linkage for an extraction if missing.
func (s *Service) EnsurePending(ctx context.Context, extractionID string, documentID int64) (*domain.Linkage, error) {
	var out *domain.Linkage
	err := s.Run(ctx, func(ops Ops) error {
		l, err := ops.EnsurePending(ctx, extractionID, documentID)
		out = l
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Link records a user confirmed match.
func (s *Service) Link(ctx context.Context, req LinkRequest) (*domain.Linkage, error) {
	var out *domain.Linkage
	err := s.Run(ctx, func(ops Ops) error {
		l, err := ops.Link(ctx, req)
		out = l
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logDecision(ctx, out)
	return out, nil
}

// AutoLink accepts a stored proposal automatically.
func (s *Service) AutoLink(ctx context.Context, p *domain.MatchProposal) (*domain.Linkage, error) {
	var out *domain.Linkage
	err := s.Run(ctx, func(ops Ops) error {
		l, err := ops.AutoLink(ctx, p)
		out = l
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logDecision(ctx, out)
	return out, nil
}

// MarkOrphan records that the extraction has no ledger counterpart.
func (s *Service) MarkOrphan(ctx context.Context, extractionID string, by domain.LinkedBy) (*domain.Linkage, error) {
	var out *domain.Linkage
	err := s.Run(ctx, func(ops Ops) error {
		l, err := ops.MarkOrphan(ctx, extractionID, by)
		out = l
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logDecision(ctx, out)
	return out, nil
}

// Reopen returns the extraction to PENDING.
func (s *Service) Reopen(ctx context.Context, extractionID, reason string) (*domain.Linkage, error) {
	var out *domain.Linkage
	err := s.Run(ctx, func(ops Ops) error {
		l, err := ops.Reopen(ctx, extractionID, reason)
		out = l
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logDecision(ctx, out)
	return out, nil
}

// RejectProposal declines a PENDING proposal.
func (s *Service) RejectProposal(ctx context.Context, proposalID string) (*domain.MatchProposal, error) {
	var out *domain.MatchProposal
	err := s.Run(ctx, func(ops Ops) error {
		p, err := ops.RejectProposal(ctx, proposalID)
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("proposal_id", out.ID).
		Int64("ledger_id", out.LedgerID).
		Str("extraction_id", out.ExtractionID).
		Msg("Proposal rejected")
	return out, nil
}

// Get returns the linkage for an extraction.
func (s *Service) Get(ctx context.Context, extractionID string) (*domain.Linkage, error) {
	var out *domain.Linkage
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		l, err := tx.GetLinkage(ctx, extractionID)
		out = l
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return out, nil
}

// CanImport reports whether the extraction may be handed to the ledger
// importer. An extraction without a linkage is not importable.
func (s *Service) CanImport(ctx context.Context, extractionID string) (bool, error) {
	l, err := s.Get(ctx, extractionID)
	if err != nil {
		return false, err
	}
	return l.LinkType.Importable(), nil
}

// RequireImportable returns domain.ErrNotImportable unless l may be imported.
func RequireImportable(l *domain.Linkage) error {
	if l == nil || !l.LinkType.Importable() {
		state := domain.LinkType("NONE")
		if l != nil {
			state = l.LinkType
		}
		return fmt.Errorf("linkage is %s: %w", state, domain.ErrNotImportable)
	}
	return nil
}

func (s *Service) logDecision(ctx context.Context, l *domain.Linkage) {
	log := logger.WithDocument(logger.FromContext(ctx), l.DocumentID, l.ExtractionID)
	ev := log.Info().Str("link_type", string(l.LinkType)).Int64("version", l.Version)
	if l.LedgerID != nil {
		ev = ev.Int64("ledger_id", *l.LedgerID)
	}
	ev.Msg("Linkage decision applied")
}
