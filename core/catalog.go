package core

import (
	"context"
	"io"

	"github.com/shopspring/decimal"
)

// Collection names and document field names shared by the engine and the stores.
const (
	CategoriesCollection = "categories"
	ItemsCollection      = "items"
	UsersCollection      = "users"

	FieldOwner      = "userId"
	FieldName       = "name"
	FieldPosition   = "position"
	FieldCategoryID = "categoryId"
	FieldPrice      = "price"
	FieldImageURL   = "imageUrl"
	FieldImagePath  = "imagePath"
)

type (
	// Category is one entry of an owner's ordered category list.
	// Positions of one owner's categories are always 0..n-1 once writes settle.
	Category struct {
		ID       string `json:"id"`
		OwnerID  string `json:"-"`
		Name     string `json:"name"`
		Position int    `json:"position"`
	}

	// Item belongs to exactly one category of the same owner and always
	// references an already uploaded image.
	Item struct {
		ID         string          `json:"id"`
		OwnerID    string          `json:"-"`
		CategoryID string          `json:"categoryId"`
		Name       string          `json:"name"`
		Price      decimal.Decimal `json:"price"`
		ImageURL   string          `json:"imageUrl"`
		ImagePath  string          `json:"-"`
	}

	// Unsubscribe stops a live subscription. Calling it more than once is safe.
	Unsubscribe func()

	// DocumentStore is the remote document store the engine writes to and
	// listens on. Documents are partitioned by the FieldOwner field.
	DocumentStore interface {
		// Get returns a single document or a *NotFoundError.
		Get(ctx context.Context, collection, id string) (*Document, error)

		// Find runs a one-shot query.
		Find(ctx context.Context, q Query) ([]Document, error)

		// Listen delivers the query result now and again after every committed
		// change to the query's owner partition. Delivery is asynchronous.
		Listen(ctx context.Context, q Query, fn func(Snapshot)) (Unsubscribe, error)

		// Add creates a document with a store assigned id.
		Add(ctx context.Context, collection string, fields Fields) (string, error)

		// Update merges fields into an existing document. Missing documents fail
		// with *NotFoundError.
		Update(ctx context.Context, collection, id string, fields Fields) error

		// Delete removes a document. Deleting a missing document is not an error.
		Delete(ctx context.Context, collection, id string) error

		// Batch starts an atomic multi-document write.
		Batch() WriteBatch
	}

	// WriteBatch accumulates updates and deletes that commit all together or
	// not at all.
	WriteBatch interface {
		Update(collection, id string, fields Fields)
		Delete(collection, id string)
		Commit(ctx context.Context) error
	}

	// ObjectRef identifies an uploaded binary object.
	ObjectRef struct {
		Path        string
		Size        int64
		ContentType string
	}

	// ObjectStore holds item images. Its writes never take part in document
	// store batches.
	ObjectStore interface {
		Upload(ctx context.Context, path string, body io.Reader, contentType string) (ObjectRef, error)
		DownloadURL(ctx context.Context, ref ObjectRef) (string, error)
		Delete(ctx context.Context, path string) error
	}
)

// Fields converts the category into its stored representation.
func (c Category) Fields() Fields {
	return Fields{
		FieldOwner:    c.OwnerID,
		FieldName:     c.Name,
		FieldPosition: c.Position,
	}
}

// CategoryFromDocument decodes a stored category.
func CategoryFromDocument(doc Document) Category {
	return Category{
		ID:       doc.ID,
		OwnerID:  doc.Fields.String(FieldOwner),
		Name:     doc.Fields.String(FieldName),
		Position: doc.Fields.Int(FieldPosition),
	}
}

// Fields converts the item into its stored representation.
func (i Item) Fields() Fields {
	return Fields{
		FieldOwner:      i.OwnerID,
		FieldCategoryID: i.CategoryID,
		FieldName:       i.Name,
		FieldPrice:      i.Price.String(),
		FieldImageURL:   i.ImageURL,
		FieldImagePath:  i.ImagePath,
	}
}

// ItemFromDocument decodes a stored item.
func ItemFromDocument(doc Document) Item {
	return Item{
		ID:         doc.ID,
		OwnerID:    doc.Fields.String(FieldOwner),
		CategoryID: doc.Fields.String(FieldCategoryID),
		Name:       doc.Fields.String(FieldName),
		Price:      doc.Fields.Decimal(FieldPrice),
		ImageURL:   doc.Fields.String(FieldImageURL),
		ImagePath:  doc.Fields.String(FieldImagePath),
	}
}
