package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"hookrelay.io/relay/internal/http/handler"
)

type fakeKeyValidator struct {
	valid bool
	err   error
}

func (f *fakeKeyValidator) ValidateAPIKey(ctx context.Context, apiKey string) (bool, error) {
	return f.valid, f.err
}

var _ = Describe("APIKeyHandler", func() {
	var (
		router    *gin.Engine
		validator *fakeKeyValidator
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		validator = &fakeKeyValidator{}
		h := handler.NewAPIKeyHandler(validator)
		router.POST("/api/v1/keys/validate", h.Validate)
	})

	post := func(body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/keys/validate", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("reports a valid key", func() {
		validator.valid = true
		w := post([]byte(`{"apiKey":"sk-good"}`))

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["valid"]).To(BeTrue())
	})

	It("reports an invalid key", func() {
		w := post([]byte(`{"apiKey":"sk-bad"}`))

		Expect(w.Code).To(Equal(http.StatusOK))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["valid"]).To(BeFalse())
	})

	It("rejects a missing key with 400", func() {
		w := post([]byte(`{}`))
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 500 when the backend is unreachable", func() {
		validator.err = fmt.Errorf("dial tcp: connection refused")
		w := post([]byte(`{"apiKey":"sk-any"}`))

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["valid"]).To(BeFalse())
	})
})
