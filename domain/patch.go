package domain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

var ErrInvalidPatch = errors.New("invalid patch")

// Patch is one typed change to an existing task. The set of implementations
// is closed; storage merges them into a single Changes value.
type Patch interface {
	Kind() string
	Validate() error
	apply(*Changes)
}

// Changes is the merged field set written by one update.
type Changes struct {
	Title        *string
	Description  *string
	Status       *Status
	Column       *ColumnID
	Priority     *Priority
	DueDate      *Date
	ClearDueDate bool
	Assignees    []string
	SetAssignees bool
	Position     *int
}

// Empty reports whether no field would be written.
func (c Changes) Empty() bool {
	return c.Title == nil && c.Description == nil && c.Status == nil && c.Column == nil &&
		c.Priority == nil && c.DueDate == nil && !c.ClearDueDate && !c.SetAssignees && c.Position == nil
}

// Merge validates patches and folds them in order; later patches win, except
// that a column change always carries the column's status.
func Merge(patches ...Patch) (Changes, error) {
	var c Changes
	for _, p := range patches {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return Changes{}, err
		}
		p.apply(&c)
	}
	if c.Column != nil {
		st := StatusForColumn(*c.Column)
		c.Status = &st
	}
	if c.Empty() {
		return Changes{}, fmt.Errorf("%w: no fields", ErrInvalidPatch)
	}
	return c, nil
}

type Rename struct {
	Title string `json:"title"`
}

func (Rename) Kind() string { return "rename" }

func (p Rename) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidPatch)
	}
	return nil
}

func (p Rename) apply(c *Changes) {
	t := strings.TrimSpace(p.Title)
	c.Title = &t
}

type Reprioritize struct {
	Priority Priority `json:"priority"`
}

func (Reprioritize) Kind() string { return "reprioritize" }

func (p Reprioritize) Validate() error {
	if _, err := ParsePriority(string(p.Priority)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return nil
}

func (p Reprioritize) apply(c *Changes) {
	pr := p.Priority
	c.Priority = &pr
}

// EditContent replaces the free-form content of a task. A nil DueDate clears it.
type EditContent struct {
	Description string   `json:"description"`
	DueDate     *Date    `json:"dueDate"`
	Assignees   []string `json:"assignees"`
}

func (EditContent) Kind() string { return "edit-content" }

func (EditContent) Validate() error { return nil }

func (p EditContent) apply(c *Changes) {
	d := p.Description
	c.Description = &d
	if p.DueDate != nil {
		due := *p.DueDate
		c.DueDate = &due
		c.ClearDueDate = false
	} else {
		c.DueDate = nil
		c.ClearDueDate = true
	}
	c.Assignees = append([]string{}, p.Assignees...)
	c.SetAssignees = true
}

type SetStatus struct {
	Status Status `json:"status"`
}

func (SetStatus) Kind() string { return "set-status" }

func (p SetStatus) Validate() error {
	if _, err := ParseStatus(string(p.Status)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return nil
}

func (p SetStatus) apply(c *Changes) {
	st := p.Status
	c.Status = &st
}

// Move reassigns the column and position; the status follows StatusForColumn.
type Move struct {
	Column   ColumnID `json:"column"`
	Position int      `json:"position"`
}

func (Move) Kind() string { return "move" }

func (p Move) Validate() error {
	if _, err := ParseColumn(string(p.Column)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if p.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidPatch)
	}
	return nil
}

func (p Move) apply(c *Changes) {
	col := p.Column
	pos := p.Position
	st := StatusForColumn(col)
	c.Column = &col
	c.Position = &pos
	c.Status = &st
}

// Reorder changes the position inside the current column only.
type Reorder struct {
	Position int `json:"position"`
}

func (Reorder) Kind() string { return "reorder" }

func (p Reorder) Validate() error {
	if p.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidPatch)
	}
	return nil
}

func (p Reorder) apply(c *Changes) {
	pos := p.Position
	c.Position = &pos
}

// DecodePatches accepts a single patch object or an array of them.
func DecodePatches(raw []byte) ([]Patch, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPatch)
	}
	if trimmed[0] != '[' {
		p, err := DecodePatch(trimmed)
		if err != nil {
			return nil, err
		}
		return []Patch{p}, nil
	}
	var items []sonic.NoCopyRawMessage
	if err := sonic.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	patches := make([]Patch, 0, len(items))
	for _, item := range items {
		p, err := DecodePatch(item)
		if err != nil {
			return nil, err
		}
		patches = append(patches, p)
	}
	return patches, nil
}

// DecodePatch reads one {"type": ...} patch object.
func DecodePatch(raw []byte) (Patch, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	var p Patch
	var err error
	switch env.Type {
	case "rename":
		var v Rename
		err = sonic.Unmarshal(raw, &v)
		p = v
	case "reprioritize":
		var v Reprioritize
		err = sonic.Unmarshal(raw, &v)
		p = v
	case "edit-content":
		var v EditContent
		err = sonic.Unmarshal(raw, &v)
		p = v
	case "set-status":
		var v SetStatus
		err = sonic.Unmarshal(raw, &v)
		p = v
	case "move":
		var v Move
		err = sonic.Unmarshal(raw, &v)
		p = v
	case "reorder":
		var v Reorder
		err = sonic.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPatch, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
