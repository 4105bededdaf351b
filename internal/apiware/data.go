package apiware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/keephost/keephost/internal/pipeline"
	"github.com/keephost/keephost/internal/store"
)

var (
	errNotAnObject     = errors.New("apiware: modify entry must be a JSON object")
	errMalformedRecord = errors.New("apiware: modify entry record must be a JSON object")
)

// data implements the `$` prefix: recipe-driven Query (GET) and Modify
// (POST), per spec.md §4.7.
func data(c *pipeline.Context, cfg Config, recipeName string, opts []string) error {
	recipe, ok := cfg.Store.Lookup(recipeName)
	if !ok {
		return pipeline.NotFound("no such recipe: " + recipeName)
	}
	if recipe.HasAuth() && !c.Authorize(recipe.Auth...) {
		return pipeline.Forbidden("not authorized for recipe " + recipeName)
	}

	switch {
	case requireMethod(c, http.MethodGet, http.MethodHead):
		bindings := queryBindings(c, opts)
		c.Payload = cfg.Store.Query(recipe, bindings)
		return nil

	case requireMethod(c, http.MethodPost):
		return dataModify(c, cfg, recipe)

	default:
		return pipeline.MethodNotAllowed("data recipes support GET and POST only")
	}
}

// dataModify decodes the request body as a JSON array of {ref, record}-ish
// values, applies recipe.Filter, and runs Modify (spec.md §4.7 "body must be
// an array of objects; Modify with filtered data").
func dataModify(c *pipeline.Context, cfg Config, recipe store.Recipe) error {
	res, err := c.ParseBody(cfg.BodyLimits)
	if err != nil {
		return pipeline.AsError(err)
	}
	list, ok := res.Value.([]any)
	if !ok {
		return pipeline.BadRequest("body must be a JSON array")
	}

	entries := make([]store.ModifyEntry, 0, len(list))
	for _, item := range list {
		entry, err := decodeModifyEntry(item)
		if err != nil {
			return pipeline.BadRequest(err.Error())
		}
		if entry.Record != nil {
			entry.Record = recipe.Filter.Apply(entry.Record)
		}
		entries = append(entries, entry)
	}

	results, err := cfg.Store.Modify(recipe, entries)
	if err != nil {
		return pipeline.Internal("failed to apply modify", err)
	}
	c.Payload = results
	return nil
}

// decodeModifyEntry accepts either {"ref":..., "record":{...}} for an
// update/insert or {"ref":...} alone for a delete.
func decodeModifyEntry(item any) (store.ModifyEntry, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return store.ModifyEntry{}, errNotAnObject
	}
	entry := store.ModifyEntry{Ref: obj["ref"]}
	if rec, present := obj["record"]; present {
		recObj, ok := rec.(map[string]any)
		if !ok && rec != nil {
			return store.ModifyEntry{}, errMalformedRecord
		}
		entry.Record = recObj
	}
	return entry, nil
}

// queryBindings builds the $name substitution map for a GET, preferring the
// request's query string (each value bound under its own key) and falling
// back to positional opts bound as opt0, opt1, ... (spec.md §4.7 "bindings
// drawn from query or positional opts").
func queryBindings(c *pipeline.Context, opts []string) map[string]any {
	bindings := map[string]any{}
	if len(c.Query) > 0 {
		for k := range c.Query {
			bindings[k] = c.Query.Get(k)
		}
		return bindings
	}
	for i, v := range opts {
		bindings[optKey(i)] = v
	}
	if len(opts) > 0 {
		bindings["opt"] = opts[0]
	}
	return bindings
}

func optKey(i int) string { return "opt" + strconv.Itoa(i) }
