package http

import (
	"errors"
	"net/http"
	"strconv"

	"ricevute/internal/auth"
	"ricevute/internal/core"
	applog "ricevute/internal/log"
)

type expenseEnvelope struct {
	Expense core.Expense `json:"expense"`
}

type listEnvelope struct {
	Expenses []core.Expense `json:"expenses"`
}

type deletedEnvelope struct {
	Deleted core.Expense `json:"deleted"`
}

// pathID resolves the {id} segment. Non-numeric ids are answered with 404
// before any service call.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := ParseExpenseID(r.PathValue("id"))
	if !ok {
		NotFoundError().Write(w)
		return 0, false
	}
	return id, true
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	who, _ := auth.FromContext(r.Context())
	list, err := s.expenses.List(r.Context(), who)
	if err != nil {
		s.fail(w, r, applog.OpList, 0, err)
		return
	}
	if list == nil {
		list = []core.Expense{}
	}
	NewJSONResponse().Body(listEnvelope{Expenses: list}).Write(w)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	who, _ := auth.FromContext(r.Context())
	e, found, err := s.expenses.Get(r.Context(), who, id)
	s.respond(w, r, applog.OpRead, id, e, found, err)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	raw, err := ReadBody(w, r, s.maxBodyBytes)
	if err != nil {
		ErrorFor(err).Write(w)
		return
	}
	in, err := core.ParseInput(raw)
	if err != nil {
		ErrorFor(err).Write(w)
		return
	}

	who, _ := auth.FromContext(r.Context())
	e, err := s.expenses.Create(r.Context(), who, in)
	if err != nil {
		s.fail(w, r, applog.OpCreate, 0, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/expenses/"+formatID(e.ID)).
		Body(expenseEnvelope{Expense: e}).
		Write(w)
}

func (s *Server) handleReplaceExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	raw, err := ReadBody(w, r, s.maxBodyBytes)
	if err != nil {
		ErrorFor(err).Write(w)
		return
	}
	in, err := core.ParseInput(raw)
	if err != nil {
		ErrorFor(err).Write(w)
		return
	}

	who, _ := auth.FromContext(r.Context())
	e, found, err := s.expenses.Replace(r.Context(), who, id, in)
	s.respond(w, r, applog.OpReplace, id, e, found, err)
}

// handlePatchExpense updates title and/or amount, or binds an attachment
// when the body carries fileKey.
func (s *Server) handlePatchExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	raw, err := ReadBody(w, r, s.maxBodyBytes)
	if err != nil {
		ErrorFor(err).Write(w)
		return
	}
	p, err := core.ParsePatch(raw)
	if err != nil {
		ErrorFor(err).Write(w)
		return
	}

	who, _ := auth.FromContext(r.Context())
	if p.IsBind() {
		e, found, err := s.attachments.Bind(r.Context(), who, id, *p.AttachmentKey)
		s.respond(w, r, applog.OpBind, id, e, found, err)
		return
	}
	e, found, err := s.expenses.Patch(r.Context(), who, id, p)
	s.respond(w, r, applog.OpPatch, id, e, found, err)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	who, _ := auth.FromContext(r.Context())
	e, found, err := s.expenses.Delete(r.Context(), who, id)
	if err != nil {
		s.fail(w, r, applog.OpDelete, id, err)
		return
	}
	if !found {
		NotFoundError().Write(w)
		return
	}
	NewJSONResponse().Body(deletedEnvelope{Deleted: e}).Write(w)
}

// respond writes the outcome of a single-record operation.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, op string, id int64, e core.Expense, found bool, err error) {
	if err != nil {
		s.fail(w, r, op, id, err)
		return
	}
	if !found {
		NotFoundError().Write(w)
		return
	}
	NewJSONResponse().Body(expenseEnvelope{Expense: e}).Write(w)
}

// fail logs server-side failures and writes the mapped error response.
// Rejected input is the caller's problem and is not logged as an error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, id int64, err error) {
	if _, ok := core.AsValidation(err); !ok {
		fields := applog.NewFields().WithErrorType(applog.ErrorTypeInternal)
		if errors.Is(err, core.ErrTransport) {
			fields.WithErrorType(applog.ErrorTypeTransport)
		}
		if id > 0 {
			fields[applog.FieldExpenseID] = id
		}
		applog.NewStructuredLogger(applog.FromContext(r.Context())).
			LogError(r.Context(), "Request failed", err, applog.ComponentHTTP, op, fields)
	}
	ErrorFor(err).Write(w)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
