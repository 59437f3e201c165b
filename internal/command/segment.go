package command

import (
	"context"
	"fmt"
	"slices"

	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/rules"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/validation"
	"github.com/google/uuid"
)

// SegmentCommand mutates an existing segment.
type SegmentCommand interface {
	Command
	applySegment(c *segmentContext, s *store.Segment) error
}

// segmentContext collects the membership rows a command adds or removes.
// They are written after the segment version itself.
type segmentContext struct {
	ctx    context.Context
	store  store.Store
	env    string
	add    []store.SegmentUser
	remove []store.SegmentUser
}

// members returns the user ids of segmentID in state.
func (c *segmentContext) members(segmentID string, state store.SegmentUserState) (map[string]bool, error) {
	rows, err := c.store.ListSegmentUsers(c.ctx, c.env)
	if err != nil {
		return nil, fmt.Errorf("list segment users: %w", err)
	}
	out := make(map[string]bool)
	for _, r := range rows {
		if r.SegmentID == segmentID && r.State == state {
			out[r.UserID] = true
		}
	}
	return out, nil
}

type CreateSegment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (CreateSegment) CommandName() string { return "CreateSegment" }

// CreateSegment stores a new, empty segment.
func (h *Handler) CreateSegment(ctx context.Context, env string, cmd CreateSegment) (_ *store.Segment, err error) {
	ctx, span := h.startSpan(ctx, cmd, env, cmd.ID)
	defer func() { endSpan(span, err) }()

	now := h.now().Unix()
	seg := store.Segment{
		ID:                   cmd.ID,
		EnvironmentNamespace: env,
		Name:                 cmd.Name,
		Description:          cmd.Description,
		Version:              1,
		Status:               store.SegmentInitial,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	err = validation.ValidateSegment(&seg).Err()
	if err == nil {
		err = h.store.PutSegment(ctx, seg)
	}
	if err != nil {
		h.record(ctx, cmd, audit.ResourceTypeSegment, cmd.ID, env, 0, nil, cmd, err)
		return nil, fmt.Errorf("create segment %s: %w", cmd.ID, err)
	}
	h.record(ctx, cmd, audit.ResourceTypeSegment, seg.ID, env, seg.Version, nil, seg, nil)
	h.refresh(ctx, env)
	return &seg, nil
}

// HandleSegment applies cmd to segment id.
func (h *Handler) HandleSegment(ctx context.Context, env, id string, cmd SegmentCommand) (_ *store.Segment, err error) {
	ctx, span := h.startSpan(ctx, cmd, env, id)
	defer func() { endSpan(span, err) }()

	current, err := h.store.GetSegment(ctx, env, id)
	if err == nil && current.Deleted {
		err = store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", id, err)
	}

	sc := &segmentContext{ctx: ctx, store: h.store, env: env}
	next := current.Clone()
	if err = cmd.applySegment(sc, &next); err == nil {
		if unchanged(current, &next) && len(sc.add) == 0 && len(sc.remove) == 0 {
			return current, nil
		}
		next.Version = current.Version + 1
		next.UpdatedAt = h.now().Unix()
		err = validation.ValidateSegment(&next).Err()
	}
	if err == nil {
		err = h.store.PutSegment(ctx, next)
	}
	if err == nil {
		err = h.writeMembers(ctx, sc)
	}
	if err != nil {
		h.record(ctx, cmd, audit.ResourceTypeSegment, id, env, current.Version, current, nil, err)
		return nil, fmt.Errorf("%s %s: %w", cmd.CommandName(), id, err)
	}

	h.record(ctx, cmd, audit.ResourceTypeSegment, id, env, next.Version, current, &next, nil)
	h.refresh(ctx, env)
	return &next, nil
}

func (h *Handler) writeMembers(ctx context.Context, sc *segmentContext) error {
	for _, u := range sc.add {
		if err := h.store.PutSegmentUser(ctx, u); err != nil {
			return fmt.Errorf("add segment user %s: %w", u.UserID, err)
		}
	}
	for _, u := range sc.remove {
		if err := h.store.DeleteSegmentUser(ctx, u.EnvironmentNamespace, u.SegmentID, u.UserID, u.State); err != nil {
			return fmt.Errorf("delete segment user %s: %w", u.UserID, err)
		}
	}
	return nil
}

// DeleteSegment soft-deletes a segment no live flag references.
type DeleteSegment struct{}

func (DeleteSegment) CommandName() string { return "DeleteSegment" }

func (DeleteSegment) applySegment(c *segmentContext, s *store.Segment) error {
	flags, err := c.store.ListFlags(c.ctx, c.env)
	if err != nil {
		return fmt.Errorf("list flags: %w", err)
	}
	for i := range flags {
		if slices.Contains(flags[i].SegmentIDs(), s.ID) {
			return fmt.Errorf("%w: referenced by %s", ErrSegmentInUse, flags[i].ID)
		}
	}
	s.Deleted = true
	return nil
}

type ChangeSegmentName struct {
	Name string `json:"name"`
}

func (ChangeSegmentName) CommandName() string { return "ChangeSegmentName" }

func (c ChangeSegmentName) applySegment(_ *segmentContext, s *store.Segment) error {
	s.Name = c.Name
	return nil
}

type ChangeSegmentDescription struct {
	Description string `json:"description"`
}

func (ChangeSegmentDescription) CommandName() string { return "ChangeSegmentDescription" }

func (c ChangeSegmentDescription) applySegment(_ *segmentContext, s *store.Segment) error {
	s.Description = c.Description
	return nil
}

// AddSegmentRule appends a rule. Segment rules only use their clauses.
type AddSegmentRule struct {
	Rule rules.Rule `json:"rule"`
}

func (AddSegmentRule) CommandName() string { return "AddSegmentRule" }

func (c AddSegmentRule) applySegment(_ *segmentContext, s *store.Segment) error {
	r := c.Rule
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if ruleIndex(s.Rules, r.ID) >= 0 {
		return invalid("rule %s already exists", r.ID)
	}
	r.Clauses = withClauseIDs(r.Clauses)
	s.Rules = append(s.Rules, r)
	return nil
}

type DeleteSegmentRule struct {
	ID string `json:"id"`
}

func (DeleteSegmentRule) CommandName() string { return "DeleteSegmentRule" }

func (c DeleteSegmentRule) applySegment(_ *segmentContext, s *store.Segment) error {
	i := ruleIndex(s.Rules, c.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, c.ID)
	}
	s.Rules = slices.Delete(s.Rules, i, i+1)
	return nil
}

// AddSegmentUser adds users to the inclusion or exclusion list of a
// segment. Users already listed are skipped.
type AddSegmentUser struct {
	UserIDs []string               `json:"userIds"`
	State   store.SegmentUserState `json:"state"`
}

func (AddSegmentUser) CommandName() string { return "AddSegmentUser" }

func (c AddSegmentUser) applySegment(sc *segmentContext, s *store.Segment) error {
	if err := checkState(c.State); err != nil {
		return err
	}
	existing, err := sc.members(s.ID, c.State)
	if err != nil {
		return err
	}
	for _, id := range c.UserIDs {
		if id == "" {
			return invalid("user id must not be empty")
		}
		if existing[id] {
			continue
		}
		existing[id] = true
		sc.add = append(sc.add, store.SegmentUser{
			ID:                   uuid.NewString(),
			EnvironmentNamespace: s.EnvironmentNamespace,
			SegmentID:            s.ID,
			UserID:               id,
			State:                c.State,
		})
		adjustCount(s, c.State, 1)
	}
	return nil
}

// DeleteSegmentUser removes users from the inclusion or exclusion list.
type DeleteSegmentUser struct {
	UserIDs []string               `json:"userIds"`
	State   store.SegmentUserState `json:"state"`
}

func (DeleteSegmentUser) CommandName() string { return "DeleteSegmentUser" }

func (c DeleteSegmentUser) applySegment(sc *segmentContext, s *store.Segment) error {
	if err := checkState(c.State); err != nil {
		return err
	}
	existing, err := sc.members(s.ID, c.State)
	if err != nil {
		return err
	}
	for _, id := range c.UserIDs {
		if !existing[id] {
			continue
		}
		delete(existing, id)
		sc.remove = append(sc.remove, store.SegmentUser{
			EnvironmentNamespace: s.EnvironmentNamespace,
			SegmentID:            s.ID,
			UserID:               id,
			State:                c.State,
		})
		adjustCount(s, c.State, -1)
	}
	return nil
}

func checkState(state store.SegmentUserState) error {
	switch state {
	case store.SegmentUserIncluded, store.SegmentUserExcluded:
		return nil
	default:
		return invalid("unknown segment user state %q", state)
	}
}

func adjustCount(s *store.Segment, state store.SegmentUserState, delta int64) {
	if state == store.SegmentUserIncluded {
		s.IncludedUserCount += delta
	} else {
		s.ExcludedUserCount += delta
	}
}

