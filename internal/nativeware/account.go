package nativeware

import (
	"encoding/json"
	"fmt"

	"github.com/keephost/keephost/internal/bodyparse"
	"github.com/keephost/keephost/internal/domain"
	"github.com/keephost/keephost/internal/notify"
	"github.com/keephost/keephost/internal/pipeline"
	"github.com/keephost/keephost/internal/store"
	"github.com/keephost/keephost/internal/tokensvc"
)

// AccountConfig configures the account middleware (spec.md §4.6 "account").
type AccountConfig struct {
	Store *store.Store

	Mailer notify.Mailer
	SMS    notify.SMSSender
	From   string

	CodeSize   int
	CodeBase   int
	CodeExpMin int

	BodyLimits bodyparse.Limits
}

// restrictedFields may not be set by a non-admin caller changing their own
// record (spec.md §4.6 "non-admin callers may not change member or
// status").
var restrictedFields = map[string]bool{"member": true, "status": true}

// Account registers /user/:action/:user?/:opt? on router.
func Account(router *pipeline.Router, cfg AccountConfig) {
	router.Get("/user/:action/:user?/:opt?", func(c *pipeline.Context) error {
		return accountGet(c, cfg)
	})
	router.Post("/user/:action/:user?/:opt?", func(c *pipeline.Context) error {
		return accountPost(c, cfg)
	})
}

func accountGet(c *pipeline.Context, cfg AccountConfig) error {
	switch c.Params["action"] {
	case "code":
		return accountSendCode(c, cfg)
	case "contacts":
		return accountRecipeLookup(c, cfg, "contacts", true)
	case "groups":
		return accountRecipeLookup(c, cfg, "groups", true)
	case "users":
		return accountRecipeLookup(c, cfg, "users", true)
	case "names":
		return accountRecipeLookup(c, cfg, "names", false)
	default:
		return pipeline.NotFound("unknown account action " + c.Params["action"])
	}
}

func accountPost(c *pipeline.Context, cfg AccountConfig) error {
	switch c.Params["action"] {
	case "code":
		return accountVerifyCode(c, cfg)
	case "change":
		return accountChange(c, cfg, "users", false)
	case "groups":
		return accountChange(c, cfg, "groups", true)
	default:
		return pipeline.NotFound("unknown account action " + c.Params["action"])
	}
}

func accountRecipeLookup(c *pipeline.Context, cfg AccountConfig, name string, managerOnly bool) error {
	if !c.Authenticated {
		return pipeline.Unauthorized("authentication required")
	}
	if managerOnly && !c.Authorize("manager") {
		return pipeline.Forbidden("admin or manager required")
	}
	recipe, ok := cfg.Store.Lookup(name)
	if !ok {
		return pipeline.NotFound("no such recipe: " + name)
	}
	c.Payload = cfg.Store.Query(recipe, map[string]any{"user": c.Params["user"]})
	return nil
}

func accountSendCode(c *pipeline.Context, cfg AccountConfig) error {
	username := c.Params["user"]
	if username == "" && c.Authenticated {
		username, _ = c.User["username"].(string)
	}
	if username == "" {
		return pipeline.BadRequest("user required")
	}
	username = domain.NormalizeUsername(username)

	recipe, ok := cfg.Store.Lookup("users")
	if !ok {
		return pipeline.Internal("no users recipe configured", nil)
	}
	user, err := lookupUser(cfg, recipe, username)
	if err != nil {
		return pipeline.NotFound("no such user")
	}

	code, err := tokensvc.GenCode(cfg.CodeSize, cfg.CodeBase, cfg.CodeExpMin)
	if err != nil {
		return pipeline.Internal("failed to generate code", err)
	}

	if _, err := cfg.Store.Modify(recipe, []store.ModifyEntry{{
		Ref: username,
		Record: map[string]any{
			"credentials": map[string]any{
				"passcode": map[string]any{"code": code.Code, "iat": code.IAT, "exp": code.Exp},
			},
		},
	}}); err != nil {
		return pipeline.Internal("failed to store code", err)
	}

	if c.Params["opt"] != "" {
		if err := cfg.Mailer.Send(c.Context(), notify.Message{
			To: []string{user.Email}, From: cfg.From, Subject: "Your verification code", Body: code.Code,
		}); err != nil {
			return pipeline.Internal("failed to send code by email", err)
		}
	} else {
		if err := cfg.SMS.Send(c.Context(), user.Phone, cfg.From, code.Code); err != nil {
			return pipeline.Internal("failed to send code by sms", err)
		}
	}

	resp := map[string]any{"sent": true}
	if c.Authorize("manager") {
		resp["code"] = code.Code
	}
	c.Payload = resp
	return nil
}

func accountVerifyCode(c *pipeline.Context, cfg AccountConfig) error {
	username := domain.NormalizeUsername(c.Params["user"])
	candidate := c.Params["opt"]
	if username == "" || candidate == "" {
		return pipeline.BadRequest("user and code required")
	}

	recipe, ok := cfg.Store.Lookup("users")
	if !ok {
		return pipeline.Internal("no users recipe configured", nil)
	}
	user, err := lookupUser(cfg, recipe, username)
	if err != nil {
		return pipeline.NotFound("no such user")
	}

	challenge := tokensvc.Code{
		Code: user.Credentials.Passcode.Code,
		IAT:  user.Credentials.Passcode.IAT,
		Exp:  user.Credentials.Passcode.Exp,
	}
	if !tokensvc.CheckCode(challenge, candidate) {
		return pipeline.Unauthorized("invalid or expired code")
	}

	if user.Status == domain.StatusPending {
		if _, err := cfg.Store.Modify(recipe, []store.ModifyEntry{{
			Ref:    username,
			Record: map[string]any{"status": string(domain.StatusActive)},
		}}); err != nil {
			return pipeline.Internal("failed to activate user", err)
		}
	}

	c.Payload = map[string]any{"ok": true}
	return nil
}

// changeItem is one entry in the account/change or account/groups request
// body (spec.md §4.6 "change": "body is a list of {ref, record}").
type changeItem struct {
	Ref    any            `json:"ref"`
	Record map[string]any `json:"record"`
}

func accountChange(c *pipeline.Context, cfg AccountConfig, recipeName string, adminOnly bool) error {
	if !c.Authenticated {
		return pipeline.Unauthorized("authentication required")
	}
	if adminOnly && !c.Authorize("admin") {
		return pipeline.Forbidden("admin required")
	}

	res, err := c.ParseBody(cfg.BodyLimits)
	if err != nil {
		return pipeline.AsError(err)
	}
	items, err := decodeChangeItems(res.Value)
	if err != nil {
		return pipeline.BadRequest(err.Error())
	}

	recipe, ok := cfg.Store.Lookup(recipeName)
	if !ok {
		return pipeline.Internal("no "+recipeName+" recipe configured", nil)
	}

	self, _ := c.User["username"].(string)
	isAdmin := c.Authorize("admin")

	entries := make([]store.ModifyEntry, 0, len(items))
	for _, item := range items {
		if item.Record == nil {
			if !isAdmin {
				return pipeline.Forbidden("delete requires admin")
			}
			entries = append(entries, store.ModifyEntry{Ref: item.Ref})
			continue
		}

		if !adminOnly {
			target, _ := item.Record["username"].(string)
			if !isAdmin && target != self {
				return pipeline.Forbidden("may only change your own record")
			}
			if !isAdmin {
				for field := range restrictedFields {
					delete(item.Record, field)
				}
			}
		}

		if pw, ok := item.Record["password"].(string); ok && pw != "" {
			hash, err := tokensvc.CreatePW(pw, tokensvc.DefaultCost)
			if err != nil {
				return pipeline.Internal("failed to hash password", err)
			}
			delete(item.Record, "password")
			item.Record["credentials"] = map[string]any{"hash": hash}
		}

		entries = append(entries, store.ModifyEntry{Ref: item.Ref, Record: item.Record})
	}

	results, err := cfg.Store.Modify(recipe, entries)
	if err != nil {
		return pipeline.Internal("failed to apply change", err)
	}
	c.Payload = results
	return nil
}

func decodeChangeItems(value any) ([]changeItem, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("nativeware: change body must be a JSON array")
	}
	b, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	var items []changeItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("nativeware: malformed change item: %w", err)
	}
	return items, nil
}

func lookupUser(cfg AccountConfig, recipe store.Recipe, username string) (domain.User, error) {
	raw := cfg.Store.Query(recipe, map[string]any{"username": username})
	b, err := json.Marshal(raw)
	if err != nil {
		return domain.User{}, err
	}
	var u domain.User
	if err := json.Unmarshal(b, &u); err != nil {
		return domain.User{}, err
	}
	if u.Username == "" {
		return domain.User{}, fmt.Errorf("nativeware: user %q not found", username)
	}
	return u, nil
}
