// Package catalog keeps owner-scoped, live, ordered views of categories and
// items and performs the mutations that must preserve their invariants:
// dense category positions, atomic cascading deletes and image uploads that
// happen before the item they belong to.
package catalog

import (
	"context"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"catalog-editor/core"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultUploadTimeout bounds the image upload and URL resolution of AddItem.
const DefaultUploadTimeout = 60 * time.Second

type Engine struct {
	docs          core.DocumentStore
	objects       core.ObjectStore
	now           func() time.Time
	uploadTimeout time.Duration
}

type Option func(*Engine)

// WithClock overrides the clock used for image object names.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithUploadTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.uploadTimeout = d
		}
	}
}

func NewEngine(docs core.DocumentStore, objects core.ObjectStore, opts ...Option) *Engine {
	e := &Engine{
		docs:          docs,
		objects:       objects,
		now:           time.Now,
		uploadTimeout: DefaultUploadTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Categories reads the owner's categories once, ordered by position.
func (e *Engine) Categories(ctx context.Context, ownerID string) ([]core.Category, error) {
	docs, err := e.docs.Find(ctx, core.Query{
		Collection: core.CategoriesCollection,
		OwnerID:    ownerID,
		OrderBy:    core.FieldPosition,
	})
	if err != nil {
		return nil, core.Remote("list categories", err)
	}
	cats := make([]core.Category, 0, len(docs))
	for _, doc := range docs {
		cats = append(cats, core.CategoryFromDocument(doc))
	}
	return cats, nil
}

// Items reads the items of one category once, ordered by name.
func (e *Engine) Items(ctx context.Context, ownerID, categoryID string) ([]core.Item, error) {
	docs, err := e.findItems(ctx, ownerID, categoryID)
	if err != nil {
		return nil, core.Remote("list items", err)
	}
	items := make([]core.Item, 0, len(docs))
	for _, doc := range docs {
		items = append(items, core.ItemFromDocument(doc))
	}
	return items, nil
}

func (e *Engine) findItems(ctx context.Context, ownerID, categoryID string) ([]core.Document, error) {
	q := core.Query{Collection: core.ItemsCollection, OwnerID: ownerID, OrderBy: core.FieldName}.
		Where(core.FieldCategoryID, categoryID)
	return e.docs.Find(ctx, q)
}

// owned loads a document and hides it unless it belongs to ownerID.
func (e *Engine) owned(ctx context.Context, op, collection, ownerID, id string) (*core.Document, error) {
	doc, err := e.docs.Get(ctx, collection, id)
	if err != nil {
		return nil, core.Remote(op, err)
	}
	if doc.Fields.String(core.FieldOwner) != ownerID {
		return nil, core.NewNotFoundError(collection, id)
	}
	return doc, nil
}

// Item reads a single item of ownerID.
func (e *Engine) Item(ctx context.Context, ownerID, id string) (core.Item, error) {
	doc, err := e.owned(ctx, "get item", core.ItemsCollection, ownerID, id)
	if err != nil {
		return core.Item{}, err
	}
	return core.ItemFromDocument(*doc), nil
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", core.NewValidationError("name", "must not be empty")
	}
	return name, nil
}

func validPrice(raw string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, core.NewValidationError("price", "must be a number")
	}
	if price.IsNegative() {
		return decimal.Zero, core.NewValidationError("price", "must not be negative")
	}
	return price, nil
}

// AddCategory appends a category after the highest position in current.
func (e *Engine) AddCategory(ctx context.Context, ownerID string, current []core.Category, name string) (core.Category, error) {
	name, err := validName(name)
	if err != nil {
		return core.Category{}, err
	}

	position := 0
	for _, c := range current {
		if c.Position+1 > position {
			position = c.Position + 1
		}
	}
	cat := core.Category{OwnerID: ownerID, Name: name, Position: position}
	id, err := e.docs.Add(ctx, core.CategoriesCollection, cat.Fields())
	if err != nil {
		return core.Category{}, core.Remote("add category", err)
	}
	cat.ID = id

	logrus.WithFields(logrus.Fields{"owner": ownerID, "category_id": id, "position": position}).Info("Category added")
	return cat, nil
}

func (e *Engine) RenameCategory(ctx context.Context, ownerID, id, name string) error {
	name, err := validName(name)
	if err != nil {
		return err
	}
	if _, err := e.owned(ctx, "rename category", core.CategoriesCollection, ownerID, id); err != nil {
		return err
	}
	if err := e.docs.Update(ctx, core.CategoriesCollection, id, core.Fields{core.FieldName: name}); err != nil {
		return core.Remote("rename category", err)
	}
	return nil
}

// Reorder moves the element at index from to index to and renumbers every
// position to match the new order.
func Reorder(current []core.Category, from, to int) ([]core.Category, error) {
	n := len(current)
	if from < 0 || from >= n {
		return nil, core.NewValidationError("from", fmt.Sprintf("index %d out of range [0,%d)", from, n))
	}
	if to < 0 || to >= n {
		return nil, core.NewValidationError("to", fmt.Sprintf("index %d out of range [0,%d)", to, n))
	}

	moved := current[from]
	next := make([]core.Category, 0, n)
	next = append(next, current[:from]...)
	next = append(next, current[from+1:]...)
	next = slices.Insert(next, to, moved)
	for i := range next {
		next[i].Position = i
	}
	return next, nil
}

// SavePositions writes the position of every category in one batch.
func (e *Engine) SavePositions(ctx context.Context, cats []core.Category) error {
	batch := e.docs.Batch()
	for _, c := range cats {
		batch.Update(core.CategoriesCollection, c.ID, core.Fields{core.FieldPosition: c.Position})
	}
	if err := batch.Commit(ctx); err != nil {
		return core.Remote("reorder categories", err)
	}
	return nil
}

// ReorderCategories applies Reorder to current and commits the result.
func (e *Engine) ReorderCategories(ctx context.Context, current []core.Category, from, to int) ([]core.Category, error) {
	next, err := Reorder(current, from, to)
	if err != nil {
		return nil, err
	}
	if err := e.SavePositions(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// DeleteCategory removes the category, all its items and the gap it leaves
// in one batch, then deletes the item images. It returns the remaining
// categories with their new positions.
func (e *Engine) DeleteCategory(ctx context.Context, ownerID string, current []core.Category, id string) ([]core.Category, error) {
	idx := slices.IndexFunc(current, func(c core.Category) bool { return c.ID == id })
	if idx < 0 {
		return nil, core.NewNotFoundError(core.CategoriesCollection, id)
	}
	removed := current[idx]
	log := logrus.WithFields(logrus.Fields{"owner": ownerID, "category_id": id})

	itemDocs, err := e.findItems(ctx, ownerID, id)
	if err != nil {
		return nil, core.Remote("delete category", err)
	}

	batch := e.docs.Batch()
	for _, doc := range itemDocs {
		batch.Delete(core.ItemsCollection, doc.ID)
	}
	remaining := make([]core.Category, 0, len(current)-1)
	for _, c := range current {
		if c.ID == id {
			continue
		}
		if c.Position > removed.Position {
			c.Position--
			batch.Update(core.CategoriesCollection, c.ID, core.Fields{core.FieldPosition: c.Position})
		}
		remaining = append(remaining, c)
	}
	batch.Delete(core.CategoriesCollection, id)

	if err := batch.Commit(ctx); err != nil {
		log.WithError(err).Error("Failed to delete category")
		return nil, core.Remote("delete category", err)
	}
	log.WithField("items", len(itemDocs)).Info("Category deleted")

	cleanup := context.WithoutCancel(ctx)
	for _, doc := range itemDocs {
		if p := doc.Fields.String(core.FieldImagePath); p != "" {
			e.deleteImage(cleanup, p)
		}
	}
	return remaining, nil
}

// NewItem is the input of AddItem.
type NewItem struct {
	CategoryID  string
	Name        string
	Price       string
	Image       io.Reader
	Filename    string
	ContentType string
}

// ImagePath derives the object path of an item image. The timestamp only
// keeps names unique.
func ImagePath(ownerID, categoryID string, at time.Time, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	base := slug.Make(strings.TrimSuffix(path.Base(filename), path.Ext(filename)))
	if base == "" {
		base = "image"
	}
	return fmt.Sprintf("users/%s/categories/%s/%d_%s%s", ownerID, categoryID, at.UnixMilli(), base, ext)
}

// AddItem uploads the image, resolves its URL and only then writes the item.
// Upload and resolution share the engine's upload timeout.
func (e *Engine) AddItem(ctx context.Context, ownerID string, categories []core.Category, in NewItem) (core.Item, error) {
	name, err := validName(in.Name)
	if err != nil {
		return core.Item{}, err
	}
	price, err := validPrice(in.Price)
	if err != nil {
		return core.Item{}, err
	}
	if in.Image == nil {
		return core.Item{}, core.NewValidationError("image", "is required")
	}
	if !slices.ContainsFunc(categories, func(c core.Category) bool { return c.ID == in.CategoryID }) {
		return core.Item{}, core.NewNotFoundError(core.CategoriesCollection, in.CategoryID)
	}

	objectPath := ImagePath(ownerID, in.CategoryID, e.now(), in.Filename)
	log := logrus.WithFields(logrus.Fields{"owner": ownerID, "category_id": in.CategoryID, "path": objectPath})

	url, err := e.upload(ctx, objectPath, in)
	if err != nil {
		log.WithError(err).Error("Failed to upload item image")
		return core.Item{}, err
	}

	item := core.Item{
		OwnerID:    ownerID,
		CategoryID: in.CategoryID,
		Name:       name,
		Price:      price,
		ImageURL:   url,
		ImagePath:  objectPath,
	}
	id, err := e.docs.Add(ctx, core.ItemsCollection, item.Fields())
	if err != nil {
		leak := &core.PartialCleanupError{Op: "add item", Path: objectPath, Err: err}
		log.WithError(leak).Warn("Item image leaked, metadata write failed")
		return core.Item{}, core.Remote("add item", err)
	}
	item.ID = id

	log.WithField("item_id", id).Info("Item added")
	return item, nil
}

func (e *Engine) upload(ctx context.Context, objectPath string, in NewItem) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.uploadTimeout)
	defer cancel()

	ref, err := e.objects.Upload(ctx, objectPath, in.Image, in.ContentType)
	if err != nil {
		return "", core.Remote("upload image", err)
	}
	url, err := e.objects.DownloadURL(ctx, ref)
	if err != nil {
		e.deleteImage(context.WithoutCancel(ctx), objectPath)
		return "", core.Remote("resolve image url", err)
	}
	return url, nil
}

func (e *Engine) RenameItem(ctx context.Context, ownerID, id, name string) error {
	name, err := validName(name)
	if err != nil {
		return err
	}
	if _, err := e.owned(ctx, "rename item", core.ItemsCollection, ownerID, id); err != nil {
		return err
	}
	if err := e.docs.Update(ctx, core.ItemsCollection, id, core.Fields{core.FieldName: name}); err != nil {
		return core.Remote("rename item", err)
	}
	return nil
}

// UpdateItem changes name and price together.
func (e *Engine) UpdateItem(ctx context.Context, ownerID, id, name, price string) (core.Item, error) {
	name, err := validName(name)
	if err != nil {
		return core.Item{}, err
	}
	p, err := validPrice(price)
	if err != nil {
		return core.Item{}, err
	}
	doc, err := e.owned(ctx, "update item", core.ItemsCollection, ownerID, id)
	if err != nil {
		return core.Item{}, err
	}
	fields := core.Fields{core.FieldName: name, core.FieldPrice: p.String()}
	if err := e.docs.Update(ctx, core.ItemsCollection, id, fields); err != nil {
		return core.Item{}, core.Remote("update item", err)
	}
	return core.ItemFromDocument(core.Document{ID: id, Fields: doc.Fields.Merge(fields)}), nil
}

// DeleteItem deletes the item document, then its image.
func (e *Engine) DeleteItem(ctx context.Context, item core.Item) error {
	if err := e.docs.Delete(ctx, core.ItemsCollection, item.ID); err != nil {
		return core.Remote("delete item", err)
	}
	logrus.WithFields(logrus.Fields{"owner": item.OwnerID, "item_id": item.ID}).Info("Item deleted")
	if item.ImagePath != "" {
		e.deleteImage(context.WithoutCancel(ctx), item.ImagePath)
	}
	return nil
}

// deleteImage removes an object. Failures are logged and never returned.
func (e *Engine) deleteImage(ctx context.Context, objectPath string) {
	if err := e.objects.Delete(ctx, objectPath); err != nil {
		cleanup := &core.PartialCleanupError{Op: "delete image", Path: objectPath, Err: err}
		logrus.WithError(cleanup).Warn("Image cleanup failed")
	}
}
