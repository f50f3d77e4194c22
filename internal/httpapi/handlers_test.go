package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"jimas/backend/internal/domain"
	"jimas/backend/internal/service"
	"jimas/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager("test-secret-key", time.Hour, repo, nil)

	return New(svc, auth, Options{AllowedOrigin: "*"})
}

func login(t *testing.T, api *API, email, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Email: email, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("login as %s failed, status %d: %s", email, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if payload.Token == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.Token
}

func loginAsAdmin(t *testing.T, api *API) string {
	return login(t, api, "admin@jimas.local", "admin123")
}

func loginAsSales(t *testing.T, api *API) string {
	return login(t, api, "sales@jimas.local", "sales123")
}

func doJSON(t *testing.T, api *API, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func doRaw(t *testing.T, api *API, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (%s)", err, res.Body.String())
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/health", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	body := decodeBody[map[string]any](t, res)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodPost, "/login", "", map[string]string{
		"email":    "admin@jimas.local",
		"password": "wrongpassword",
	})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	res := doJSON(t, api, http.MethodGet, "/credit-customers", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/credit-customers", "not-a-jwt", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.Code)
	}
}

func TestCreditSalePaymentAndRecalculate(t *testing.T) {
	api := newTestAPI(t)
	sales := loginAsSales(t, api)
	admin := loginAsAdmin(t, api)

	res := doJSON(t, api, http.MethodPost, "/sales", sales, map[string]any{
		"branch_name":    "Main Branch",
		"payment_type":   "credit",
		"customer_name":  "Ada Obi",
		"customer_phone": "08031234567",
		"items":          []map[string]any{{"serial_number": "SN-DEMO-0001", "price": 200000}},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for sale, got %d: %s", res.Code, res.Body.String())
	}
	sale := decodeBody[domain.SaleResult](t, res)

	res = doJSON(t, api, http.MethodGet, "/credit-customers/08031234567/debts", sales, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for debts, got %d: %s", res.Code, res.Body.String())
	}
	debts := decodeBody[domain.CustomerDebts](t, res)
	if !debts.Customer.OpenBalance.Equal(decimal.NewFromInt(200000)) || len(debts.UnsettledSales) != 1 {
		t.Fatalf("unexpected debts: %+v", debts)
	}

	res = doJSON(t, api, http.MethodPost, "/credit-payment", sales, map[string]any{
		"customer_phone": "08031234567",
		"sale_id":        sale.SaleID,
		"amount":         "250000",
	})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 for overpayment, got %d: %s", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodPost, "/credit-payment", sales, map[string]any{
		"customer_phone": "08031234567",
		"sale_id":        sale.SaleID,
		"amount":         75000,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for payment, got %d: %s", res.Code, res.Body.String())
	}
	paid := decodeBody[domain.CreditPaymentResult](t, res)
	if !paid.OpenBalance.Equal(decimal.NewFromInt(125000)) {
		t.Fatalf("expected open balance 125000, got %s", paid.OpenBalance)
	}

	res = doJSON(t, api, http.MethodPost, "/credit-customers/08031234567/recalculate-balance", sales, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for sales role, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/credit-customers/08031234567/recalculate-balance", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for recalculate, got %d: %s", res.Code, res.Body.String())
	}
	rec := decodeBody[domain.CustomerReconciliation](t, res)
	if !rec.Difference.IsZero() {
		t.Fatalf("expected zero difference, got %s", rec.Difference)
	}

	res = doJSON(t, api, http.MethodGet, "/ledger/drift", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for drift scan, got %d", res.Code)
	}
	drift := decodeBody[map[string]any](t, res)
	if drift["count"] != float64(0) {
		t.Fatalf("expected no drift, got %v", drift)
	}
}

func TestResellerRoutes(t *testing.T) {
	api := newTestAPI(t)
	sales := loginAsSales(t, api)
	admin := loginAsAdmin(t, api)

	res := doJSON(t, api, http.MethodPost, "/bulk-resellers", sales, map[string]any{"name": "Kola Gadgets", "contact_info": "08011112222"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for sales creating reseller, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/bulk-resellers", admin, map[string]any{"name": "Kola Gadgets", "contact_info": "08011112222"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	created := decodeBody[struct {
		Message  string              `json:"message"`
		Reseller domain.Counterparty `json:"reseller"`
	}](t, res)
	if created.Message == "" {
		t.Fatalf("expected a confirmation message for the console")
	}
	id := created.Reseller.ID

	res = doJSON(t, api, http.MethodPost, "/bulk-resellers/"+id+"/add-laptops", sales, map[string]any{
		"branch_name": "Main Branch",
		"items": []map[string]any{
			{"serial_number": "SN-DEMO-0001", "given_price": 100000},
			{"serial_number": "SN-DEMO-0002", "given_price": 100000},
		},
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for add-laptops, got %d: %s", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodPost, "/bulk-resellers/"+id+"/payment", sales, map[string]any{"amount": 50000})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for payment, got %d: %s", res.Code, res.Body.String())
	}
	payment := decodeBody[domain.ResellerPaymentResult](t, res)
	if !payment.BalanceLeft.Equal(decimal.NewFromInt(150000)) {
		t.Fatalf("expected 150000 left, got %s", payment.BalanceLeft)
	}

	res = doJSON(t, api, http.MethodGet, "/bulk-resellers/"+id+"/credit-book", sales, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for credit book, got %d", res.Code)
	}
	book := decodeBody[domain.CreditBook](t, res)
	if book.TotalItems != 2 {
		t.Fatalf("expected 2 open items, got %d", book.TotalItems)
	}

	res = doJSON(t, api, http.MethodDelete, "/bulk-resellers/"+id, admin, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting reseller with balance, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/bulk-resellers/"+id+"/return-laptop", sales, map[string]any{"serial_number": "SN-DEMO-0009"})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 returning unknown laptop, got %d", res.Code)
	}
}

func TestCashReturnUnknownSaleIsNotFound(t *testing.T) {
	api := newTestAPI(t)
	sales := loginAsSales(t, api)

	res := doJSON(t, api, http.MethodPost, "/cash-return", sales, map[string]any{"serial_number": "SN-DEMO-0001", "sale_id": "sale-missing"})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.Code, res.Body.String())
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	api := newTestAPI(t)
	sales := loginAsSales(t, api)

	res := doJSON(t, api, http.MethodPost, "/cash-return", sales, map[string]any{"serial_number": "SN-DEMO-0001", "sale_id": "s", "discount": 10})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", res.Code)
	}
}

func TestAdminOnlyUserRoutes(t *testing.T) {
	api := newTestAPI(t)
	sales := loginAsSales(t, api)
	admin := loginAsAdmin(t, api)

	if res := doJSON(t, api, http.MethodGet, "/users", sales, nil); res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for sales listing users, got %d", res.Code)
	}

	res := doJSON(t, api, http.MethodPost, "/users", admin, map[string]any{
		"name":     "Ikeja Desk",
		"email":    "ikeja@jimas.local",
		"password": "desk-pass-1",
		"role":     "sales",
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating user, got %d: %s", res.Code, res.Body.String())
	}

	res = doJSON(t, api, http.MethodGet, "/users", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 listing users, got %d", res.Code)
	}
	users := decodeBody[map[string][]domain.User](t, res)
	if len(users["users"]) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users["users"]))
	}

	res = doJSON(t, api, http.MethodGet, "/audit-logs?limit=5", admin, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for audit logs, got %d", res.Code)
	}
}

// The bodies below are byte-for-byte what the admin console sends.
func TestConsolePayloadsAreAccepted(t *testing.T) {
	api := newTestAPI(t)

	res := doRaw(t, api, http.MethodPost, "/login", "", `{"email":"sales@jimas.local","password":"sales123"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for login, got %d: %s", res.Code, res.Body.String())
	}
	loginBody := decodeBody[map[string]any](t, res)
	token, _ := loginBody["token"].(string)
	if token == "" {
		t.Fatalf("expected token field in login response, got %v", loginBody)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three-part JWT, got %q", token)
	}
	rawClaims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(rawClaims, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if claims["email"] != "sales@jimas.local" || claims["role"] != "sales" {
		t.Fatalf("expected email and role claims, got %v", claims)
	}

	res = doRaw(t, api, http.MethodPost, "/sales", token, `{"sold_by_email":"sales@jimas.local","branch_name":"Main Branch","payment_type":"credit","customer_name":"Ada Obi","customer_phone":"08031234567","vat_enabled":false,"vat_percentage":0,"sales_note":null,"items":[{"serial_number":"SN-DEMO-0001","price":200000,"ram_price":0,"storage_price":0},{"serial_number":"SN-DEMO-0002","price":150000,"ram_price":10000,"storage_price":0}]}`)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for console sale, got %d: %s", res.Code, res.Body.String())
	}
	saleBody := decodeBody[map[string]any](t, res)
	saleNumber, ok := saleBody["sale_id"].(float64)
	if !ok || saleNumber < 1 {
		t.Fatalf("expected numeric sale_id, got %v", saleBody["sale_id"])
	}

	res = doRaw(t, api, http.MethodPost, "/credit-payment", token, fmt.Sprintf(`{"customer_phone":"08031234567","sale_id":%d,"amount":60000}`, int64(saleNumber)))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for console payment, got %d: %s", res.Code, res.Body.String())
	}
	paid := decodeBody[domain.CreditPaymentResult](t, res)
	if !paid.UnsettledBalance.Equal(decimal.NewFromInt(300000)) {
		t.Fatalf("expected 300000 unsettled, got %s", paid.UnsettledBalance)
	}

	res = doRaw(t, api, http.MethodPost, "/credit-return", token, fmt.Sprintf(`{"serial_number":"SN-DEMO-0002","sale_id":%d,"customer_phone":"08031234567"}`, int64(saleNumber)))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for console credit return, got %d: %s", res.Code, res.Body.String())
	}
	returned := decodeBody[domain.ReturnResult](t, res)
	if !returned.AmountReduced.Equal(decimal.NewFromInt(160000)) || returned.SaleID.String() != fmt.Sprint(int64(saleNumber)) {
		t.Fatalf("unexpected credit return %+v", returned)
	}

	res = doRaw(t, api, http.MethodPost, "/sales", token, `{"sold_by_email":"sales@jimas.local","branch_name":"Main Branch","payment_type":"cash","customer_name":"","customer_phone":"","vat_enabled":true,"vat_percentage":7.5,"sales_note":"walk-in","items":[{"serial_number":"SN-DEMO-0003","price":300000,"ram_price":0,"storage_price":0}]}`)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for console cash sale, got %d: %s", res.Code, res.Body.String())
	}
	cashSale := decodeBody[map[string]any](t, res)
	cashNumber, _ := cashSale["sale_id"].(float64)

	res = doRaw(t, api, http.MethodPost, "/cash-return", token, fmt.Sprintf(`{"serial_number":"SN-DEMO-0003","sale_id":%d}`, int64(cashNumber)))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for console cash return, got %d: %s", res.Code, res.Body.String())
	}

	admin := loginAsAdmin(t, api)
	res = doRaw(t, api, http.MethodPost, "/bulk-resellers", admin, `{"name":"Kola Gadgets","contact_info":"08011112222"}`)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201 for console reseller, got %d: %s", res.Code, res.Body.String())
	}
	if msg, _ := decodeBody[map[string]any](t, res)["message"].(string); msg == "" {
		t.Fatalf("expected message in reseller response")
	}
}

func TestSaleRefRejectsFractionalNumbers(t *testing.T) {
	api := newTestAPI(t)
	sales := loginAsSales(t, api)

	res := doRaw(t, api, http.MethodPost, "/cash-return", sales, `{"serial_number":"SN-DEMO-0001","sale_id":1.5}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for fractional sale id, got %d: %s", res.Code, res.Body.String())
	}
}
