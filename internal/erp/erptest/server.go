// Package erptest provides an in-process ERP that speaks the web API protocol,
// for tests of code built on the erp client.
package erptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"erp-sync-service/internal/erp"
)

// Status codes returned by the fake.
const (
	StatusBadCredentials = 1
	StatusSessionInvalid = 2
	StatusRejected       = 9
)

// Server is a fake ERP backed by an in-memory customer table.
type Server struct {
	*httptest.Server

	Username string
	Password string

	// KeyColumn is the column id holding the record code.
	KeyColumn string
	Columns   []erp.Column

	logins atomic.Int32
	calls  atomic.Int32

	mu          sync.Mutex
	tokens      map[string]bool
	tokenSeq    int
	codeSeq     int
	rows        map[string]map[string]any
	order       []string
	failNext    int
	failCodes   map[string]int
	rejectCodes map[string]string
	saves       []map[string]string
	deletes     []string
	pageCols    map[int][]erp.Column
}

// NewServer starts a fake ERP accepting the given credentials.
func NewServer(username, password, keyColumn string, columns []erp.Column) *Server {
	s := &Server{
		Username:    username,
		Password:    password,
		KeyColumn:   keyColumn,
		Columns:     columns,
		tokens:      make(map[string]bool),
		rows:        make(map[string]map[string]any),
		failCodes:   make(map[string]int),
		rejectCodes: make(map[string]string),
		pageCols:    make(map[int][]erp.Column),
	}

	r := chi.NewRouter()
	r.Use(s.countAndFail)
	r.Post(erp.DefaultLoginPath, s.handleLogin)
	r.Post(erp.DefaultCustomerListPath, s.handleList)
	r.Post(erp.DefaultCustomerSavePath, s.handleSave)

	s.Server = httptest.NewServer(r)
	return s
}

// Logins is the number of successful logins served.
func (s *Server) Logins() int {
	return int(s.logins.Load())
}

// Calls is the number of HTTP requests received.
func (s *Server) Calls() int {
	return int(s.calls.Load())
}

// Put inserts or replaces a customer row.
func (s *Server) Put(row map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(row)
}

func (s *Server) putLocked(row map[string]any) {
	code := fmt.Sprint(row[s.KeyColumn])
	if _, ok := s.rows[code]; !ok {
		s.order = append(s.order, code)
	}
	copied := make(map[string]any, len(row))
	for k, v := range row {
		copied[k] = v
	}
	s.rows[code] = copied
}

// Row returns a copy of the stored row for code.
func (s *Server) Row(code string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[code]
	if !ok {
		return nil, false
	}
	copied := make(map[string]any, len(row))
	for k, v := range row {
		copied[k] = v
	}
	return copied, true
}

// Remove deletes a row without going through the API.
func (s *Server) Remove(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(code)
}

func (s *Server) removeLocked(code string) {
	delete(s.rows, code)
	for i, c := range s.order {
		if c == code {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ExpireSessions invalidates every issued token.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
}

// FailNext makes the next n requests answer HTTP 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// FailSave makes saves carrying code answer HTTP 503, n times.
func (s *Server) FailSave(code string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCodes[code] = n
}

// RejectSave makes saves carrying code answer a business error.
func (s *Server) RejectSave(code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectCodes[code] = message
}

// SetPageColumns overrides the column list returned for one page index.
func (s *Server) SetPageColumns(page int, cols []erp.Column) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCols[page] = cols
}

// Saves returns the decoded payloads of accepted save calls.
func (s *Server) Saves() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.saves...)
}

// Deletes returns the codes removed through the API.
func (s *Server) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

func (s *Server) countAndFail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		s.mu.Lock()
		fail := s.failNext > 0
		if fail {
			s.failNext--
		}
		s.mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok {
		return
	}

	switch req.CmdKey {
	case erp.CmdLogin:
		fields := values(req.Datas)
		if fields["user"] != s.Username || fields["password"] != s.Password {
			reply(w, erp.Header{Status: StatusBadCredentials, Message: "用户名或密码错误"}, erp.Source{})
			return
		}
		s.mu.Lock()
		s.tokenSeq++
		token := "token-" + strconv.Itoa(s.tokenSeq)
		s.tokens[token] = true
		s.mu.Unlock()
		s.logins.Add(1)
		reply(w, erp.Header{Status: erp.StatusOK, Session: token}, erp.Source{})
	case erp.CmdLogout:
		s.mu.Lock()
		delete(s.tokens, req.Session)
		s.mu.Unlock()
		reply(w, erp.Header{Status: erp.StatusOK}, erp.Source{})
	default:
		reply(w, erp.Header{Status: StatusRejected, Message: "unknown command"}, erp.Source{})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok || !s.authorized(w, req) {
		return
	}

	fields := values(req.Datas)
	size, _ := strconv.Atoi(fields[erp.FieldPageSize])
	index, _ := strconv.Atoi(fields[erp.FieldPageIndex])
	if size <= 0 {
		size = 20
	}
	if index <= 0 {
		index = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cols := s.Columns
	if override, ok := s.pageCols[index]; ok {
		cols = override
	}

	total := len(s.order)
	pages := (total + size - 1) / size
	start := (index - 1) * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	rows := make([][]any, 0, end-start)
	for _, code := range s.order[start:end] {
		row := s.rows[code]
		cells := make([]any, len(cols))
		for i, col := range cols {
			cells[i] = row[col.ID]
		}
		rows = append(rows, cells)
	}

	table := &erp.Table{
		Cols: cols,
		Rows: rows,
		Page: erp.Page{Index: index, Size: size, Count: pages, RecordCount: total},
	}
	reply(w, erp.Header{Status: erp.StatusOK}, erp.Source{Table: table})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok || !s.authorized(w, req) {
		return
	}

	fields := values(req.Datas)
	code := fields[s.KeyColumn]

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.failCodes[code]; n > 0 {
		s.failCodes[code] = n - 1
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if msg, ok := s.rejectCodes[code]; ok {
		reply(w, erp.Header{Status: StatusRejected, Message: msg}, erp.Source{})
		return
	}

	switch req.CmdKey {
	case erp.CmdSave:
		if code == "" {
			s.codeSeq++
			code = fmt.Sprintf("N%04d", s.codeSeq)
			fields[s.KeyColumn] = code
		}
		row := make(map[string]any, len(fields))
		if existing, ok := s.rows[code]; ok {
			for k, v := range existing {
				row[k] = v
			}
		}
		for k, v := range fields {
			row[k] = v
		}
		s.putLocked(row)
		s.saves = append(s.saves, fields)
		reply(w, erp.Header{Status: erp.StatusOK}, erp.Source{ID: code})
	case erp.CmdDelete:
		s.removeLocked(code)
		s.deletes = append(s.deletes, code)
		reply(w, erp.Header{Status: erp.StatusOK}, erp.Source{ID: code})
	default:
		reply(w, erp.Header{Status: StatusRejected, Message: "unknown command"}, erp.Source{})
	}
}

func (s *Server) authorized(w http.ResponseWriter, req erp.Request) bool {
	s.mu.Lock()
	valid := s.tokens[req.Session]
	s.mu.Unlock()
	if !valid {
		reply(w, erp.Header{Status: StatusSessionInvalid, Message: "登录超时"}, erp.Source{})
	}
	return valid
}

// Codes returns the stored record codes in sorted order.
func (s *Server) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := append([]string(nil), s.order...)
	sort.Strings(codes)
	return codes
}

func decode(w http.ResponseWriter, r *http.Request) (erp.Request, bool) {
	var req erp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func values(datas []erp.Field) map[string]string {
	out := make(map[string]string, len(datas))
	for _, f := range datas {
		out[f.ID] = strings.TrimPrefix(f.Val, "txt:")
	}
	return out
}

func reply(w http.ResponseWriter, header erp.Header, source erp.Source) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(erp.Response{Header: header, Body: erp.Body{Source: source}})
}
