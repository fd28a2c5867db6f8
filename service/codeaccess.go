package service

import (
	"context"
	"errors"
	"fmt"

	"sdl/policy"
	"sdl/skeleton"
	"sdl/slice"
)

// WindowRequest is the code.needWindow input.
type WindowRequest struct {
	RepoID            string   `json:"repoId"`
	SymbolID          string   `json:"symbolId"`
	Reason            string   `json:"reason,omitempty"`
	ExpectedLines     int      `json:"expectedLines,omitempty"`
	MaxWindowLines    int      `json:"maxWindowLines,omitempty"`
	MaxWindowTokens   int      `json:"maxWindowTokens,omitempty"`
	IdentifiersToFind []string `json:"identifiersToFind,omitempty"`
	SliceContext      []string `json:"sliceContext,omitempty"`
	SliceHandle       string   `json:"sliceHandle,omitempty"`
}

// WindowResponse is the full policy-gated answer. Denials and downgrades are
// first-class results carrying the audit hash and the next best action.
type WindowResponse struct {
	Decision        policy.Decision   `json:"decision"`
	AuditHash       string            `json:"auditHash"`
	Content         string            `json:"content,omitempty"`
	DowngradeTarget string            `json:"downgradeTarget,omitempty"`
	NextBestAction  string            `json:"nextBestAction,omitempty"`
	DeniedReasons   []string          `json:"deniedReasons,omitempty"`
	Evidence        []policy.Evidence `json:"evidenceUsed"`
}

// NeedWindow evaluates policy and serves the approved (or downgraded) view.
func (s *Service) NeedWindow(ctx context.Context, req WindowRequest) (*WindowResponse, error) {
	head, err := s.headOf(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}
	sym, err := s.store.GetSymbol(ctx, req.RepoID, head, req.SymbolID)
	if err != nil {
		return nil, err
	}

	pctx := &policy.Context{
		RequestType:       policy.RequestCodeWindow,
		RepoID:            req.RepoID,
		SymbolID:          req.SymbolID,
		Reason:            req.Reason,
		MaxWindowLines:    windowLines(req),
		MaxWindowTokens:   req.MaxWindowTokens,
		IdentifiersToFind: req.IdentifiersToFind,
		SliceContext:      req.SliceContext,
	}
	// A supplied handle tightens the trust model: the server-resolved card
	// set counts as slice context too, an expired handle counts as nothing.
	if req.SliceHandle != "" {
		if h, err := s.handles.Get(req.SliceHandle); err == nil {
			pctx.SliceCardIDs = h.CardIDs
		} else if !errors.Is(err, slice.ErrLeaseExpired) && !errors.Is(err, slice.ErrUnknownHandle) {
			return nil, err
		}
	}

	outcome, err := policy.Evaluate(policy.DefaultRules(), s.policyFor(req.RepoID), pctx)
	if err != nil {
		return nil, err
	}

	resp := &WindowResponse{
		Decision:        outcome.Decision,
		AuditHash:       outcome.AuditHash,
		DowngradeTarget: outcome.DowngradeTarget,
		NextBestAction:  outcome.NextBestAction,
		DeniedReasons:   outcome.DeniedReasons,
		Evidence:        outcome.Evidence,
	}

	repo, err := s.store.GetRepo(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}

	switch outcome.Decision {
	case policy.Approve:
		content, err := skeleton.Window(repo.RootPath, sym, windowLines(req))
		if err != nil {
			return nil, err
		}
		resp.Content = content
	case policy.DowngradeToHotPath:
		content, err := skeleton.HotPath(repo.RootPath, sym, req.IdentifiersToFind, windowLines(req))
		if err != nil {
			// Identifiers matched nothing: fall back to structure.
			sk, skerr := s.skeletons.Symbol(ctx, req.RepoID, head, req.SymbolID)
			if skerr != nil {
				return nil, err
			}
			resp.DowngradeTarget = "skeleton"
			resp.Content = sk.Text
			return resp, nil
		}
		resp.Content = content
	case policy.DowngradeSkeleton:
		sk, err := s.skeletons.Symbol(ctx, req.RepoID, head, req.SymbolID)
		if err != nil {
			return nil, err
		}
		resp.Content = sk.Text
	case policy.Deny:
		// content stays empty; audit hash and nextBestAction tell the story
	}
	return resp, nil
}

func windowLines(req WindowRequest) int {
	if req.MaxWindowLines > 0 {
		return req.MaxWindowLines
	}
	if req.ExpectedLines > 0 {
		return req.ExpectedLines
	}
	return 120
}

// SkeletonRequest is the code.getSkeleton input: one of SymbolID or File.
type SkeletonRequest struct {
	RepoID   string `json:"repoId"`
	SymbolID string `json:"symbolId,omitempty"`
	File     string `json:"file,omitempty"`
}

type SkeletonResponse struct {
	SkeletonText string `json:"skeletonText"`
	SkeletonIR   struct {
		Hash string `json:"hash"`
	} `json:"skeletonIR"`
	Version int64 `json:"ledgerVersion"`
}

// GetSkeleton renders structure without touching raw source.
func (s *Service) GetSkeleton(ctx context.Context, req SkeletonRequest) (*SkeletonResponse, error) {
	head, err := s.headOf(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}

	var sk *skeleton.Skeleton
	switch {
	case req.SymbolID != "":
		sk, err = s.skeletons.Symbol(ctx, req.RepoID, head, req.SymbolID)
	case req.File != "":
		sk, err = s.skeletons.File(ctx, req.RepoID, head, req.File)
	default:
		return nil, fmt.Errorf("%w: symbolId or file is required", ErrInvalidQuery)
	}
	if err != nil {
		return nil, err
	}

	resp := &SkeletonResponse{SkeletonText: sk.Text, Version: head}
	resp.SkeletonIR.Hash = sk.IRHash
	return resp, nil
}
