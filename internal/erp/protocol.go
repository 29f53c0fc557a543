package erp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Command keys understood by the ERP.
const (
	CmdLogin   = "login"
	CmdLogout  = "logout"
	CmdRefresh = "refresh"
	CmdSave    = "save"
	CmdDelete  = "delete"
)

// Pagination field ids accepted by list endpoints.
const (
	FieldPageSize  = "pagesize"
	FieldPageIndex = "pageindex"
)

const textPrefix = "txt:"

// Field is one id/value pair of a request payload.
type Field struct {
	ID  string `json:"id"`
	Val string `json:"val"`
}

// Text builds a field carrying a string value.
func Text(id, value string) Field {
	return Field{ID: id, Val: textPrefix + value}
}

// Request is the body of every ERP call.
type Request struct {
	Session string  `json:"session"`
	CmdKey  string  `json:"cmdkey"`
	Datas   []Field `json:"datas"`
}

// Status is the ERP result code. The ERP sends it as a number on some endpoints
// and as a quoted string on others.
type Status int

// StatusOK is the only success code.
const StatusOK Status = 0

func (s *Status) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = StatusOK
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			*s = StatusOK
			return nil
		}
		n, err := strconv.Atoi(text)
		if err != nil {
			return fmt.Errorf("erp: non-numeric status %q", text)
		}
		*s = Status(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("erp: invalid status %s", data)
	}
	*s = Status(n)
	return nil
}

// Response is the envelope of every ERP reply.
type Response struct {
	Header Header `json:"header"`
	Body   Body   `json:"body"`
}

type Header struct {
	Status  Status `json:"status"`
	Session string `json:"session,omitempty"`
	Message string `json:"message,omitempty"`
}

type Body struct {
	Source Source `json:"source"`
}

// Source carries a result table for list calls, the record code for saves and,
// on some ERP builds, the session token for logins.
type Source struct {
	Table   *Table `json:"table,omitempty"`
	ID      string `json:"id,omitempty"`
	Session string `json:"session,omitempty"`
}

// Table is a column/row result set.
type Table struct {
	Cols []Column `json:"cols"`
	Rows [][]any  `json:"rows"`
	Page Page     `json:"page"`
}

type Column struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Page describes the position of a table inside a paged listing.
type Page struct {
	Index       int `json:"pageindex"`
	Size        int `json:"pagesize"`
	Count       int `json:"pagecount"`
	RecordCount int `json:"recordcount"`
}
