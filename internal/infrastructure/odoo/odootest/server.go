// Package odootest provides an in-memory Odoo JSON-RPC server for tests.
package odootest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Credentials accepted by a new Server.
const (
	Database = "odoo"
	Username = "admin"
	Password = "secret"
	UID      = 2
)

// Record is one stored row. Numbers are float64, as decoded from JSON.
type Record map[string]any

// Server is a fake Odoo instance. It understands authenticate and the
// execute_kw methods the reconciliation adapter uses.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	models   map[string]map[int64]Record
	nextID   map[string]int64
	missing  map[string]bool
	unknown  map[string]map[string]bool
	failures map[string]string
	calls    map[string]int
	postSeq  int
}

// NewServer starts a server. Close it with Close.
func NewServer() *Server {
	s := &Server{
		models:   make(map[string]map[int64]Record),
		nextID:   make(map[string]int64),
		missing:  make(map[string]bool),
		unknown:  make(map[string]map[string]bool),
		failures: make(map[string]string),
		calls:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// WithoutModel makes every call on model fail as if it were not installed.
func (s *Server) WithoutModel(model string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing[model] = true
	return s
}

// WithoutField rejects domains and values that reference field on model.
func (s *Server) WithoutField(model, field string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unknown[model] == nil {
		s.unknown[model] = make(map[string]bool)
	}
	s.unknown[model][field] = true
	return s
}

// FailOn makes model.method answer with a server fault carrying message.
func (s *Server) FailOn(model, method, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[model+"."+method] = message
}

// Recover undoes FailOn for model.method.
func (s *Server) Recover(model, method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, model+"."+method)
}

// Seed stores values and returns the new id.
func (s *Server) Seed(model string, values Record) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(model, values)
}

// Get returns a copy of one record, or nil.
func (s *Server) Get(model string, id int64) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.models[model][id]
	if !ok {
		return nil
	}
	return copyRecord(rec)
}

// All returns copies of every record of model ordered by id.
func (s *Server) All(model string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.sortedIDs(model)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRecord(s.models[model][id]))
	}
	return out
}

// Calls counts execute_kw invocations of model.method.
func (s *Server) Calls(model, method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[model+"."+method]
}

func (s *Server) insert(model string, values Record) int64 {
	if s.models[model] == nil {
		s.models[model] = make(map[int64]Record)
	}
	s.nextID[model]++
	id := s.nextID[model]
	rec := copyRecord(values)
	rec["id"] = float64(id)
	s.models[model][id] = rec
	return id
}

func (s *Server) sortedIDs(model string) []int64 {
	ids := make([]int64, 0, len(s.models[model]))
	for id := range s.models[model] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func copyRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type request struct {
	ID     any `json:"id"`
	Params struct {
		Service string `json:"service"`
		Method  string `json:"method"`
		Args    []any  `json:"args"`
	} `json:"params"`
}

type fault struct {
	name    string
	message string
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/jsonrpc" {
		http.NotFound(w, r)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	result, f := s.dispatch(req.Params.Service, req.Params.Method, req.Params.Args)
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if f != nil {
		resp["error"] = map[string]any{
			"code":    200,
			"message": "Odoo Server Error",
			"data":    map[string]any{"name": f.name, "message": f.message},
		}
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(service, method string, args []any) (any, *fault) {
	switch service {
	case "common":
		switch method {
		case "version":
			return map[string]any{"server_version": "17.0"}, nil
		case "authenticate":
			if len(args) >= 3 && args[0] == Database && args[1] == Username && args[2] == Password {
				return UID, nil
			}
			return false, nil
		}
	case "object":
		if method == "execute_kw" {
			return s.executeKW(args)
		}
	}
	return nil, &fault{name: "builtins.NotImplementedError", message: service + "." + method}
}

func (s *Server) executeKW(args []any) (any, *fault) {
	if len(args) < 6 {
		return nil, &fault{name: "builtins.TypeError", message: "execute_kw expects at least 6 arguments"}
	}
	if args[0] != Database || toInt(args[1]) != UID || args[2] != Password {
		return nil, &fault{name: "odoo.exceptions.AccessDenied", message: "Access Denied"}
	}
	model, _ := args[3].(string)
	method, _ := args[4].(string)
	params, _ := args[5].([]any)
	kwargs := map[string]any{}
	if len(args) > 6 {
		if kw, ok := args[6].(map[string]any); ok {
			kwargs = kw
		}
	}
	s.calls[model+"."+method]++

	if s.missing[model] {
		return nil, &fault{name: "builtins.KeyError", message: fmt.Sprintf("Object %s doesn't exist", model)}
	}
	if msg, ok := s.failures[model+"."+method]; ok {
		return nil, &fault{name: "odoo.exceptions.UserError", message: msg}
	}

	switch method {
	case "search_read":
		domain := argAt(params, 0)
		if f := s.checkDomain(model, domain); f != nil {
			return nil, f
		}
		return s.searchRead(model, domain, kwargs), nil
	case "search":
		domain := argAt(params, 0)
		if f := s.checkDomain(model, domain); f != nil {
			return nil, f
		}
		var ids []int64
		for _, rec := range s.search(model, domain) {
			ids = append(ids, toInt(rec["id"]))
		}
		return ids, nil
	case "read":
		return s.read(model, idList(argAt(params, 0)), fieldList(kwargs)), nil
	case "create":
		values, ok := argAt(params, 0).(map[string]any)
		if !ok {
			return nil, &fault{name: "builtins.TypeError", message: "create expects a values dict"}
		}
		if f := s.checkValues(model, values); f != nil {
			return nil, f
		}
		return s.create(model, values), nil
	case "write":
		values, _ := argAt(params, 1).(map[string]any)
		if f := s.checkValues(model, values); f != nil {
			return nil, f
		}
		for _, id := range idList(argAt(params, 0)) {
			s.write(model, id, values)
		}
		return true, nil
	case "action_post":
		for _, id := range idList(argAt(params, 0)) {
			if rec, ok := s.models[model][id]; ok {
				s.postSeq++
				rec["state"] = "posted"
				rec["name"] = fmt.Sprintf("INV/%04d", s.postSeq)
			}
		}
		return true, nil
	case "button_cancel":
		for _, id := range idList(argAt(params, 0)) {
			if rec, ok := s.models[model][id]; ok {
				rec["state"] = "cancel"
			}
		}
		return true, nil
	}
	return nil, &fault{name: "builtins.AttributeError", message: fmt.Sprintf("type object '%s' has no attribute '%s'", model, method)}
}

func (s *Server) create(model string, values map[string]any) int64 {
	rec := Record(values)
	if model == "account.move" {
		if _, ok := rec["state"]; !ok {
			rec["state"] = "draft"
		}
		if _, ok := rec["name"]; !ok {
			rec["name"] = "/"
		}
	}
	id := s.insert(model, rec)
	if model == "account.move" {
		s.createLines(id, values["invoice_line_ids"])
	}
	if model == "l10n_mx_edi.document" {
		s.syncMoveFromEDI(s.models[model][id])
	}
	return id
}

// createLines expands (0, 0, values) commands into account.move.line rows.
func (s *Server) createLines(moveID int64, commands any) {
	list, _ := commands.([]any)
	for _, c := range list {
		cmd, ok := c.([]any)
		if !ok || len(cmd) != 3 || toInt(cmd[0]) != 0 {
			continue
		}
		vals, _ := cmd[2].(map[string]any)
		line := copyRecord(vals)
		line["move_id"] = float64(moveID)
		s.insert("account.move.line", line)
	}
}

// syncMoveFromEDI mirrors what the localization computes on the move.
func (s *Server) syncMoveFromEDI(doc Record) {
	move, ok := s.models["account.move"][toInt(doc["move_id"])]
	if !ok {
		return
	}
	if att, ok := s.models["ir.attachment"][toInt(doc["attachment_id"])]; ok {
		uuid, _ := att["cfdi_uuid"].(string)
		if uuid == "" {
			name, _ := att["name"].(string)
			uuid = strings.TrimSuffix(name, ".xml")
		}
		move["l10n_mx_edi_cfdi_uuid"] = uuid
		doc["attachment_uuid"] = uuid
	}
	if state, ok := doc["state"]; ok {
		move["l10n_mx_edi_cfdi_state"] = state
	}
	if sat, ok := doc["sat_state"]; ok {
		move["l10n_mx_edi_cfdi_sat_state"] = sat
	}
}

func (s *Server) write(model string, id int64, values map[string]any) {
	rec, ok := s.models[model][id]
	if !ok {
		return
	}
	for k, v := range values {
		rec[k] = v
	}
	if model == "l10n_mx_edi.document" {
		s.syncMoveFromEDI(rec)
	}
}

func (s *Server) search(model string, domain any) []Record {
	terms, _ := domain.([]any)
	var out []Record
	for _, id := range s.sortedIDs(model) {
		rec := s.models[model][id]
		if matchDomain(rec, terms) {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Server) searchRead(model string, domain any, kwargs map[string]any) []Record {
	found := s.search(model, domain)
	if limit := toInt(kwargs["limit"]); limit > 0 && int64(len(found)) > limit {
		found = found[:limit]
	}
	return project(found, fieldList(kwargs))
}

func (s *Server) read(model string, ids []int64, fields []string) []Record {
	var found []Record
	for _, id := range ids {
		if rec, ok := s.models[model][id]; ok {
			found = append(found, rec)
		}
	}
	return project(found, fields)
}

// project keeps fields; absent fields read as false like Odoo does.
func project(records []Record, fields []string) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if len(fields) == 0 {
			out = append(out, copyRecord(rec))
			continue
		}
		row := Record{"id": rec["id"]}
		for _, f := range fields {
			if v, ok := rec[f]; ok && v != nil {
				row[f] = v
			} else {
				row[f] = false
			}
		}
		out = append(out, row)
	}
	return out
}

func (s *Server) checkDomain(model string, domain any) *fault {
	terms, _ := domain.([]any)
	for _, t := range terms {
		if leaf, ok := t.([]any); ok && len(leaf) == 3 {
			if field, _ := leaf[0].(string); s.unknown[model][field] {
				return invalidField(model, field)
			}
		}
	}
	return nil
}

func (s *Server) checkValues(model string, values map[string]any) *fault {
	for field := range values {
		if s.unknown[model][field] {
			return invalidField(model, field)
		}
	}
	return nil
}

func invalidField(model, field string) *fault {
	return &fault{name: "builtins.ValueError", message: fmt.Sprintf("Invalid field %s on model %s", field, model)}
}

// matchDomain evaluates a prefix-notation domain. Top-level expressions
// are joined with an implicit AND.
func matchDomain(rec Record, terms []any) bool {
	pos := 0
	for pos < len(terms) {
		var ok bool
		ok, pos = evalTerm(rec, terms, pos)
		if !ok {
			return false
		}
	}
	return true
}

func evalTerm(rec Record, terms []any, pos int) (bool, int) {
	switch t := terms[pos].(type) {
	case string:
		switch t {
		case "!":
			v, next := evalTerm(rec, terms, pos+1)
			return !v, next
		case "|", "&":
			left, next := evalTerm(rec, terms, pos+1)
			right, next := evalTerm(rec, terms, next)
			if t == "|" {
				return left || right, next
			}
			return left && right, next
		}
	case []any:
		if len(t) == 3 {
			field, _ := t[0].(string)
			op, _ := t[1].(string)
			return compare(rec[field], op, t[2]), pos + 1
		}
	}
	return false, pos + 1
}

func compare(actual any, op string, expected any) bool {
	switch op {
	case "=", "==":
		return equal(actual, expected)
	case "!=":
		return !equal(actual, expected)
	case "in":
		list, _ := expected.([]any)
		for _, e := range list {
			if equal(actual, e) {
				return true
			}
		}
		return false
	case "ilike":
		a, _ := actual.(string)
		e, _ := expected.(string)
		return strings.Contains(strings.ToLower(a), strings.ToLower(e))
	case "=ilike", "=like":
		a, _ := actual.(string)
		e, _ := expected.(string)
		pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(e), "%", ".*") + "$"
		if op == "=ilike" {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(a)
	}
	return false
}

func equal(actual, expected any) bool {
	if isFalsy(actual) && expected == false {
		return true
	}
	a, aNum := number(actual)
	e, eNum := number(expected)
	if aNum && eNum {
		return a == e
	}
	return actual == expected
}

func isFalsy(v any) bool {
	return v == nil || v == false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func toInt(v any) int64 {
	f, ok := number(v)
	if !ok {
		return 0
	}
	return int64(f)
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func idList(v any) []int64 {
	switch ids := v.(type) {
	case []any:
		out := make([]int64, 0, len(ids))
		for _, id := range ids {
			out = append(out, toInt(id))
		}
		return out
	default:
		if id := toInt(v); id != 0 {
			return []int64{id}
		}
	}
	return nil
}

func fieldList(kwargs map[string]any) []string {
	raw, _ := kwargs["fields"].([]any)
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		if name, ok := f.(string); ok {
			out = append(out, name)
		}
	}
	return out
}
