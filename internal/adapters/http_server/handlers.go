package httpserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"staybook/internal/app"
	"staybook/internal/domain"
)

type Handlers struct {
	Booking   *app.BookingService
	Review    *app.ReviewService
	Webhook   *app.WebhookService
	Reconcile *app.ReconcileService
	Watchdog  *app.WatchdogService

	Repo domain.ReservationRepository

	WebhookSecret   string
	AdminJWTSecret  string
	SchedulerSecret string
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const signatureTolerance = 5 * time.Minute

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })

	s.mux.Post("/v1/reservations", h.createReservation)
	s.mux.Get("/v1/reservations/{id}", h.getReservation)
	s.mux.Post("/v1/price-preview", h.pricePreview)

	s.mux.Post("/v1/webhooks/processor", h.processorWebhook)

	s.mux.Route("/v1/admin", func(r chi.Router) {
		r.Use(AdminAuth(h.AdminJWTSecret))
		r.Get("/reservations/pending", h.listPendingReview)
		r.Post("/reservations/{id}/approve", h.approveReservation)
		r.Post("/reservations/{id}/reject", h.rejectReservation)
		r.Post("/consistency-check", h.runReconcile)
	})

	s.mux.Route("/v1/internal", func(r chi.Router) {
		r.Use(SchedulerAuth(h.SchedulerSecret))
		r.Post("/reconcile", h.runReconcile)
		r.Post("/sweep", h.runSweep)
	})
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

// writeError maps domain sentinels onto problem+json responses. The error
// text of known sentinels is safe to echo; anything unmapped becomes an
// opaque 500.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeProblem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, domain.ErrCouponInvalid),
		errors.Is(err, domain.ErrCouponExpired),
		errors.Is(err, domain.ErrCouponExhausted):
		writeProblem(w, http.StatusBadRequest, "Coupon Not Redeemable", err.Error())
	case errors.Is(err, domain.ErrAmountMismatch):
		writeProblem(w, http.StatusBadRequest, "Amount Mismatch", err.Error())
	case errors.Is(err, domain.ErrPeriodConflict):
		writeProblem(w, http.StatusConflict, "Period Unavailable", "the requested dates are no longer available")
	case errors.Is(err, domain.ErrLockBusy):
		w.Header().Set("Retry-After", "2")
		writeProblem(w, http.StatusConflict, "Busy", "another booking for this period is in flight; retry shortly")
	case errors.Is(err, domain.ErrStateConflict):
		writeProblem(w, http.StatusConflict, "State Conflict", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", "reservation not found")
	case errors.Is(err, domain.ErrProcessor):
		writeProblem(w, http.StatusBadGateway, "Processor Unavailable", "the payment processor rejected the operation; nothing was changed")
	default:
		log.Error().Err(err).Msg("unhandled service error")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// ---- reservations ----

type createReservationReq struct {
	CheckIn    string `json:"check_in"`
	CheckOut   string `json:"check_out"`
	GuestCount int    `json:"guest_count"`
	GuestName  string `json:"guest_name"`
	GuestEmail string `json:"guest_email"`
	GuestPhone string `json:"guest_phone"`
	CouponCode string `json:"coupon_code"`
	Amount     *int64 `json:"amount"`
}

type createReservationResp struct {
	ID            string `json:"id"`
	ReferenceCode string `json:"reference_code"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

func (h *Handlers) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	checkIn, err := parseDate(req.CheckIn)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "check_in must be YYYY-MM-DD")
		return
	}
	checkOut, err := parseDate(req.CheckOut)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "check_out must be YYYY-MM-DD")
		return
	}

	out, err := h.Booking.CreateReservation(r.Context(), app.CreateReservationInput{
		CheckIn:      checkIn,
		CheckOut:     checkOut,
		GuestCount:   req.GuestCount,
		GuestName:    req.GuestName,
		GuestEmail:   req.GuestEmail,
		GuestPhone:   req.GuestPhone,
		CouponCode:   strings.TrimSpace(req.CouponCode),
		ClientAmount: req.Amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createReservationResp{
		ID:            out.ID,
		ReferenceCode: out.ReferenceCode,
		Status:        string(domain.StatusPending),
		Amount:        out.Amount,
	})
}

type reservationView struct {
	ID            string  `json:"id"`
	ReferenceCode string  `json:"reference_code"`
	CheckIn       string  `json:"check_in"`
	CheckOut      string  `json:"check_out"`
	GuestCount    int     `json:"guest_count"`
	GuestName     string  `json:"guest_name"`
	Status        string  `json:"status"`
	PaymentStatus string  `json:"payment_status"`
	Amount        int64   `json:"amount"`
	Discount      int64   `json:"discount,omitempty"`
	CancelReason  *string `json:"cancel_reason,omitempty"`
}

func viewOf(r domain.Reservation) reservationView {
	return reservationView{
		ID:            r.ID,
		ReferenceCode: r.ReferenceCode,
		CheckIn:       r.CheckIn.Format("2006-01-02"),
		CheckOut:      r.CheckOut.Format("2006-01-02"),
		GuestCount:    r.GuestCount,
		GuestName:     r.GuestName,
		Status:        string(r.Status),
		PaymentStatus: string(r.PaymentStatus),
		Amount:        r.TotalAmount,
		Discount:      r.CouponDiscount,
		CancelReason:  r.CancelReason,
	}
}

func (h *Handlers) getReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := r.URL.Query().Get("token")
	if token == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "access token required")
		return
	}
	res, err := h.Booking.GuestReservation(r.Context(), id, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(res))
}

type pricePreviewReq struct {
	CheckIn    string `json:"check_in"`
	CheckOut   string `json:"check_out"`
	GuestCount int    `json:"guest_count"`
	CouponCode string `json:"coupon_code"`
}

type pricePreviewResp struct {
	Amount     int64 `json:"amount"`
	BaseAmount int64 `json:"base_amount"`
	Discount   int64 `json:"discount"`
}

func (h *Handlers) pricePreview(w http.ResponseWriter, r *http.Request) {
	var req pricePreviewReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	checkIn, err := parseDate(req.CheckIn)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "check_in must be YYYY-MM-DD")
		return
	}
	checkOut, err := parseDate(req.CheckOut)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "check_out must be YYYY-MM-DD")
		return
	}
	q, err := h.Booking.Quote(r.Context(), checkIn, checkOut, req.GuestCount, strings.TrimSpace(req.CouponCode))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pricePreviewResp{Amount: q.Amount, BaseAmount: q.BaseAmount, Discount: q.Discount})
}

// ---- admin review ----

func (h *Handlers) listPendingReview(w http.ResponseWriter, r *http.Request) {
	list, err := h.Repo.ListPendingReview(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]reservationView, 0, len(list))
	for _, res := range list {
		views = append(views, viewOf(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": views})
}

func (h *Handlers) approveReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Review.Approve(r.Context(), id, Actor(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusConfirmed)})
}

type rejectReq struct {
	Reason string `json:"reason"`
}

func (h *Handlers) rejectReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rejectReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.Review.Reject(r.Context(), id, Actor(r.Context()), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusRejected)})
}

// ---- processor webhook ----

// processorWebhook verifies the HMAC signature before anything else; an
// unverifiable delivery is answered 400 so the processor retries it. After
// verification the answer is always 200: processing errors are logged and
// left for the reconciler, since a retry storm helps nobody.
func (h *Handlers) processorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "unreadable body")
		return
	}
	if !verifySignature(r.Header.Get("Processor-Signature"), body, h.WebhookSecret, time.Now()) {
		writeProblem(w, http.StatusBadRequest, "Invalid Signature", "signature verification failed")
		return
	}

	var ev app.ProcessorEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "malformed event")
		return
	}
	ev.Raw = body

	if err := h.Webhook.HandleEvent(r.Context(), ev); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Msg("webhook event processing failed")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// verifySignature checks a "t=<unix>,v1=<hex>" header: HMAC-SHA256 of
// "<t>.<body>" with the shared secret, constant-time compare, and a bounded
// timestamp skew to blunt replays.
func verifySignature(header string, body []byte, secret string, now time.Time) bool {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(unix, 0)); d > signatureTolerance || d < -signatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}

// ---- internal triggers ----

type reconcileReq struct {
	From    string `json:"from"`
	To      string `json:"to"`
	AutoFix bool   `json:"auto_fix"`
}

func (h *Handlers) runReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	scope := reconcileScope(req, time.Now())
	rep, err := h.Reconcile.Check(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report_id":       rep.ID,
		"checked":         rep.Checked,
		"mismatched":      rep.Mismatched,
		"auto_fixed":      rep.AutoFixed,
		"errors":          len(rep.Errors),
		"inconsistencies": rep.Inconsistencies,
	})
}

// reconcileScope defaults to the trailing 30 days when the request leaves
// the window empty.
func reconcileScope(req reconcileReq, now time.Time) app.Scope {
	scope := app.Scope{
		From:    now.Add(-30 * 24 * time.Hour),
		To:      now,
		AutoFix: req.AutoFix,
	}
	if t, err := parseDate(req.From); err == nil {
		scope.From = t
	}
	if t, err := parseDate(req.To); err == nil {
		scope.To = t
	}
	return scope
}

func (h *Handlers) runSweep(w http.ResponseWriter, r *http.Request) {
	out, err := h.Watchdog.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanned":   out.Scanned,
		"warned":    out.Warned,
		"cancelled": out.Cancelled,
		"errors":    len(out.Errors),
	})
}
