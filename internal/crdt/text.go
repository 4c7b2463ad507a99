package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// Text is a handle on one replicated text field. Offsets count unicode code points.
type Text struct {
	d     *Document
	field string
}

func (t *Text) Document() *Document { return t.d }

func (t *Text) Field() string { return t.field }

// String returns the current text, or "" when the field cannot be read.
func (t *Text) String() string {
	value, err := t.d.readText(t.field)
	if err != nil {
		return ""
	}
	return value
}

func (t *Text) Len() int {
	return runeLen(t.String())
}

func (t *Text) Insert(pos int, s string) error {
	return t.d.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Insert(t.field, pos, s)
	})
}

func (t *Text) Delete(pos, n int) error {
	return t.d.Transact(OriginLocal, func(tx *Tx) error {
		return tx.Delete(t.field, pos, n)
	})
}

// SetText replaces the whole field in one transaction, so observers see a single
// change instead of a delete followed by an insert.
func SetText(t *Text, content string) error {
	return SetTextWithOrigin(t, OriginLocal, content)
}

func SetTextWithOrigin(t *Text, origin Origin, content string) error {
	return t.d.Transact(origin, func(tx *Tx) error {
		return tx.Replace(t.field, content)
	})
}

// Tx is the mutation surface handed to Transact callbacks.
type Tx struct {
	doc   *automerge.Doc
	dirty bool
}

func (tx *Tx) Text(field string) (string, error) {
	return readText(tx.doc, field)
}

func (tx *Tx) Insert(field string, pos int, s string) error {
	if s == "" {
		return nil
	}
	text, current, err := tx.textFor(field)
	if err != nil {
		return err
	}
	if pos < 0 || pos > runeLen(current) {
		return fmt.Errorf("insert at %d into %d chars: %w", pos, runeLen(current), ErrOutOfRange)
	}
	if err := text.Insert(pos, s); err != nil {
		return fmt.Errorf("insert into %s: %w", field, err)
	}
	tx.dirty = true
	return nil
}

func (tx *Tx) Delete(field string, pos, n int) error {
	if n == 0 {
		return nil
	}
	text, current, err := tx.textFor(field)
	if err != nil {
		return err
	}
	if pos < 0 || n < 0 || pos+n > runeLen(current) {
		return fmt.Errorf("delete %d at %d from %d chars: %w", n, pos, runeLen(current), ErrOutOfRange)
	}
	if err := text.Delete(pos, n); err != nil {
		return fmt.Errorf("delete from %s: %w", field, err)
	}
	tx.dirty = true
	return nil
}

// Replace deletes the full range and inserts content.
func (tx *Tx) Replace(field, content string) error {
	current, err := tx.Text(field)
	if err != nil {
		return err
	}
	if current == content {
		return nil
	}
	if err := tx.Delete(field, 0, runeLen(current)); err != nil {
		return err
	}
	return tx.Insert(field, 0, content)
}

func (tx *Tx) textFor(field string) (*automerge.Text, string, error) {
	value, err := tx.doc.Path(field).Get()
	if err != nil {
		return nil, "", fmt.Errorf("read field %s: %w", field, err)
	}
	switch value.Kind() {
	case automerge.KindText:
	case automerge.KindVoid:
		// only ContentField is part of genesis, other fields appear on first write
		if err := tx.doc.Path(field).Set(automerge.NewText("")); err != nil {
			return nil, "", fmt.Errorf("create field %s: %w", field, err)
		}
		tx.dirty = true
	default:
		return nil, "", fmt.Errorf("field %s is %v, not text", field, value.Kind())
	}
	text := tx.doc.Path(field).Text()
	current, err := text.Get()
	if err != nil {
		return nil, "", fmt.Errorf("read field %s: %w", field, err)
	}
	return text, current, nil
}
