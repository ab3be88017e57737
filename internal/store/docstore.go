package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"gocloud.dev/docstore"
	_ "gocloud.dev/docstore/memdocstore"
	"gocloud.dev/gcerrors"
)

// DocstoreFacade is the external document-store Facade backend, a thin
// adapter over gocloud.dev/docstore. Only the in-memory driver (mem://) is
// registered by this package; a URL with any other scheme fails to open.
// Every document is round-tripped through a generic map[string]any with a
// synthetic "doc_id" key built from the collection's declared unique keys,
// since docstore requires one designated key field per collection and the
// entity structs carry none.
type DocstoreFacade struct {
	urlTemplate string // e.g. "mem://%s/doc_id" or "dynamodb://%s?partition_key=doc_id"
	colls       map[string]*docstore.Collection
	uniqueKeys  map[string][][]string
}

// NewDocstoreFacade opens (lazily, on first use) one docstore.Collection per
// gateway collection name by substituting it into urlTemplate.
func NewDocstoreFacade(urlTemplate string) *DocstoreFacade {
	return &DocstoreFacade{
		urlTemplate: urlTemplate,
		colls:       make(map[string]*docstore.Collection),
		uniqueKeys:  make(map[string][][]string),
	}
}

func (d *DocstoreFacade) collection(ctx context.Context, name string) (*docstore.Collection, error) {
	if c, ok := d.colls[name]; ok {
		return c, nil
	}
	url := fmt.Sprintf(d.urlTemplate, name)
	c, err := docstore.OpenCollection(ctx, url)
	if err != nil {
		return nil, &BackendError{Op: "open collection " + name, Err: err}
	}
	d.colls[name] = c
	return c, nil
}

func (d *DocstoreFacade) CreateIndexes(ctx context.Context, coll string, uniqueKeys ...[]string) error {
	d.uniqueKeys[coll] = uniqueKeys
	_, err := d.collection(ctx, coll)
	return err
}

func toDoc(entity any, keys [][]string) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc["doc_id"] = primaryKeyString(entity, keys)
	return doc, nil
}

func primaryKeyString(entity any, keys [][]string) string {
	if len(keys) == 0 {
		return ""
	}
	v := reflect.Indirect(reflect.ValueOf(entity))
	var parts []string
	for _, k := range keys[0] {
		fv := v.FieldByName(k)
		parts = append(parts, fmt.Sprintf("%v", fv.Interface()))
	}
	return strings.Join(parts, "\x1f")
}

func (d *DocstoreFacade) InsertOne(ctx context.Context, coll string, entity any) error {
	c, err := d.collection(ctx, coll)
	if err != nil {
		return err
	}
	doc, err := toDoc(entity, d.uniqueKeys[coll])
	if err != nil {
		return &BackendError{Op: "encode", Err: err}
	}
	if err := c.Create(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.AlreadyExists {
			return ErrConflict
		}
		return &BackendError{Op: "insert " + coll, Err: err}
	}
	return nil
}

func (d *DocstoreFacade) UpdateOne(ctx context.Context, coll string, filter Filter, entity any) error {
	c, err := d.collection(ctx, coll)
	if err != nil {
		return err
	}
	doc, err := toDoc(entity, d.uniqueKeys[coll])
	if err != nil {
		return &BackendError{Op: "encode", Err: err}
	}
	if err := c.Replace(ctx, doc); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return ErrNotFound
		}
		return &BackendError{Op: "update " + coll, Err: err}
	}
	return nil
}

func (d *DocstoreFacade) DeleteOne(ctx context.Context, coll string, filter Filter) error {
	c, err := d.collection(ctx, coll)
	if err != nil {
		return err
	}
	found, err := d.scanOne(ctx, c, filter)
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, found); err != nil {
		return &BackendError{Op: "delete " + coll, Err: err}
	}
	return nil
}

func (d *DocstoreFacade) scanOne(ctx context.Context, c *docstore.Collection, filter Filter) (map[string]any, error) {
	q := c.Query()
	for k, v := range filter {
		q = q.Where(docstore.FieldPath(jsonFieldName(k)), "=", v)
	}
	iter := q.Get(ctx)
	defer iter.Stop()
	var doc map[string]any
	for {
		item := make(map[string]any)
		err := iter.Next(ctx, item)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &BackendError{Op: "query", Err: err}
		}
		doc = item
		break
	}
	if doc == nil {
		return nil, ErrNotFound
	}
	return doc, nil
}

func (d *DocstoreFacade) FindOne(ctx context.Context, coll string, filter Filter, out any) error {
	c, err := d.collection(ctx, coll)
	if err != nil {
		return err
	}
	doc, err := d.scanOne(ctx, c, filter)
	if err != nil {
		return err
	}
	return decodeDoc(doc, out)
}

func (d *DocstoreFacade) FindList(ctx context.Context, coll string, filter Filter, out any) error {
	c, err := d.collection(ctx, coll)
	if err != nil {
		return err
	}
	q := c.Query()
	for k, v := range filter {
		q = q.Where(docstore.FieldPath(jsonFieldName(k)), "=", v)
	}
	iter := q.Get(ctx)
	defer iter.Stop()

	outVal := reflect.Indirect(reflect.ValueOf(out))
	elemType := outVal.Type().Elem()
	result := reflect.MakeSlice(outVal.Type(), 0, 16)
	for {
		item := make(map[string]any)
		err := iter.Next(ctx, item)
		if err == io.EOF {
			break
		}
		if err != nil {
			return &BackendError{Op: "query", Err: err}
		}
		elem := reflect.New(elemType.Elem())
		if err := decodeDoc(item, elem.Interface()); err != nil {
			return err
		}
		result = reflect.Append(result, elem)
	}
	outVal.Set(result)
	return nil
}

func decodeDoc(doc map[string]any, out any) error {
	delete(doc, "doc_id")
	raw, err := json.Marshal(doc)
	if err != nil {
		return &BackendError{Op: "decode", Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &BackendError{Op: "decode", Err: err}
	}
	return nil
}

func (d *DocstoreFacade) Close(ctx context.Context) error {
	for _, c := range d.colls {
		c.Close()
	}
	return nil
}

// jsonFieldName maps a Go struct field name to its JSON tag's first segment,
// falling back to the field name unchanged (struct fields in this package all
// carry explicit json tags, but this keeps the mapping honest if one is ever
// missed).
func jsonFieldName(goName string) string {
	if tag, ok := jsonTags[goName]; ok {
		return tag
	}
	return goName
}

var jsonTags = map[string]string{
	"APIName": "api_name", "APIVersion": "api_version", "Username": "username",
	"Email": "email", "RoleName": "role_name", "GroupName": "group_name",
	"TierName":  "tier_name",
	"ClientKey": "client_key", "APICreditGroup": "api_credit_group",
	"KeyName": "key_name", "Method": "endpoint_method", "URI": "endpoint_uri",
}
