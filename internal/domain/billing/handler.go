package billing

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/billing/internal/platform/auth"
	"github.com/hms/billing/pkg/pagination"
)

// IdempotencyKeyHeader may carry the payment idempotency key instead of the
// request body.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc              *Service
	currencyExponent int32
}

func NewHandler(svc *Service, currencyExponent int32) *Handler {
	return &Handler{svc: svc, currencyExponent: currencyExponent}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: staff, and patients for their own bills
	readGroup := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RolePatient))
	readGroup.GET("/bills", h.ListBills)
	readGroup.GET("/bills/:id", h.GetBill)
	readGroup.POST("/bills/:id/pay", h.PayBill)

	// Write endpoints: admin, billing
	writeGroup := api.Group("", auth.RequireRole(auth.RoleBilling))
	writeGroup.POST("/bills", h.CreateBill)
	writeGroup.POST("/bills/:id/items", h.AddItem)
	writeGroup.POST("/bills/:id/cancel", h.CancelBill)
}

// BillView is the presentation form of a bill: minor units plus decimal
// display strings.
type BillView struct {
	*Bill
	Balance           int64  `json:"balance"`
	TotalDisplay      string `json:"total_display"`
	AmountPaidDisplay string `json:"amount_paid_display"`
	BalanceDisplay    string `json:"balance_display"`
}

func (h *Handler) view(b *Bill) BillView {
	return BillView{
		Bill:              b,
		Balance:           b.Balance(),
		TotalDisplay:      FormatMinor(b.Total, h.currencyExponent),
		AmountPaidDisplay: FormatMinor(b.AmountPaid, h.currencyExponent),
		BalanceDisplay:    FormatMinor(b.Balance(), h.currencyExponent),
	}
}

type createBillRequest struct {
	PatientRef string      `json:"patient_ref"`
	PatientID  string      `json:"patientId"`
	Items      []ItemInput `json:"items"`
}

type paymentResponse struct {
	Bill     BillView `json:"bill"`
	Payment  Payment  `json:"payment"`
	Replayed bool     `json:"replayed"`
}

func (h *Handler) CreateBill(c echo.Context) error {
	var req createBillRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	ref := req.PatientRef
	if ref == "" {
		ref = req.PatientID
	}
	ctx := c.Request().Context()
	b, err := h.svc.CreateBill(ctx, ref, req.Items)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, h.view(b))
}

func (h *Handler) GetBill(c echo.Context) error {
	b, err := h.loadVisibleBill(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.view(b))
}

func (h *Handler) ListBills(c echo.Context) error {
	ctx := c.Request().Context()
	f := BillFilter{PatientRef: c.QueryParam("patient_ref")}
	if s := c.QueryParam("status"); s != "" {
		st, err := ParseStatus(s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.Status = st
	}
	if ref, scoped := auth.PatientScope(ctx); scoped {
		if ref == "" {
			return echo.NewHTTPError(http.StatusForbidden, "account is not linked to a patient")
		}
		f.PatientRef = ref
	}

	pg := pagination.FromContext(c)
	bills, total, err := pagination.Collect(h.svc.ListBills(ctx, f), pg)
	if err != nil {
		return httpError(err)
	}
	views := make([]BillView, 0, len(bills))
	for _, b := range bills {
		views = append(views, h.view(b))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in ItemInput
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	b, err := h.svc.AddItem(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(b))
}

func (h *Handler) PayBill(c echo.Context) error {
	b, err := h.loadVisibleBill(c)
	if err != nil {
		return err
	}
	var in PaymentInput
	if err := c.Bind(&in); err != nil {
		return bindError(err)
	}
	if key := strings.TrimSpace(c.Request().Header.Get(IdempotencyKeyHeader)); key != "" {
		in.IdempotencyKey = key
	}
	res, err := h.svc.PayBill(c.Request().Context(), b.ID, in)
	if err != nil {
		return httpError(err)
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, paymentResponse{Bill: h.view(res.Bill), Payment: res.Payment, Replayed: res.Replayed})
}

func (h *Handler) CancelBill(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.CancelBill(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(b))
}

// loadVisibleBill fetches the bill named by the :id path parameter. Patients
// get a 404 for bills that are not theirs.
func (h *Handler) loadVisibleBill(c echo.Context) (*Bill, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	b, err := h.svc.GetBill(ctx, id)
	if err != nil {
		return nil, httpError(err)
	}
	if ref, scoped := auth.PatientScope(ctx); scoped && (ref == "" || ref != b.PatientRef) {
		return nil, httpError(&NotFoundError{BillID: id})
	}
	return b, nil
}

// errorBody is the JSON shape of every ledger error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// bindError passes through HTTP errors raised while the body is read, such
// as 413 from the body limit. Anything else is a malformed request.
func bindError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

// httpError maps ledger errors onto HTTP status codes.
func httpError(err error) error {
	var (
		notFound *NotFoundError
		empty    *EmptyItemsError
		item     *InvalidItemError
		amount   *InvalidAmountError
		payment  *InvalidPaymentError
		state    *InvalidStateError
		over     *OverpaymentError
		conc     *ConcurrentModificationError
		unknown  *UnknownPatientError
		dep      *DependencyUnavailableError
	)
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.As(err, &notFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.As(err, &empty):
		status, code = http.StatusBadRequest, "empty_items"
	case errors.As(err, &item):
		status, code = http.StatusBadRequest, "invalid_item"
	case errors.As(err, &amount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.As(err, &payment):
		status, code = http.StatusBadRequest, "invalid_payment"
	case errors.As(err, &state):
		status, code = http.StatusConflict, "invalid_state"
	case errors.As(err, &over):
		status, code = http.StatusConflict, "overpayment"
	case errors.As(err, &conc):
		status, code = http.StatusConflict, "concurrent_modification"
	case errors.As(err, &unknown):
		status, code = http.StatusUnprocessableEntity, "unknown_patient"
	case errors.As(err, &dep):
		status, code = http.StatusServiceUnavailable, "dependency_unavailable"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return echo.NewHTTPError(status, errorBody{Code: code, Message: msg}).SetInternal(err)
}
