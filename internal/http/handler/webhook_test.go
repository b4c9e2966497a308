package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"hookrelay.io/relay/internal/http/handler"
	"hookrelay.io/relay/internal/ingest"
)

type fakeIngestService struct {
	ingestFn       func(ctx context.Context, params ingest.Params) (*ingest.Result, error)
	capturedParams *ingest.Params
}

func (f *fakeIngestService) Ingest(ctx context.Context, params ingest.Params) (*ingest.Result, error) {
	f.capturedParams = &params
	if f.ingestFn != nil {
		return f.ingestFn(ctx, params)
	}
	eventID := int64(1234)
	return &ingest.Result{EventID: &eventID, Matched: true, Enqueued: true}, nil
}

var _ = Describe("WebhookHandler", func() {
	var (
		router  *gin.Engine
		service *fakeIngestService
	)

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		router = gin.New()
		service = &fakeIngestService{}
		h := handler.NewWebhookHandler(service)
		router.POST("/hooks/:trigger_id", h.HandleDelivery)
	})

	post := func(path, contentType string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", contentType)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	It("accepts a JSON delivery and returns the event id", func() {
		w := post("/hooks/42", "application/json", []byte(`{"status":"failed"}`), map[string]string{"X-Delivery-Id": "d-1"})

		Expect(w.Code).To(Equal(http.StatusOK))

		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp["status"]).To(Equal("ok"))
		Expect(resp["eventId"]).To(Equal(float64(1234)))

		Expect(service.capturedParams.TriggerID).To(Equal(int64(42)))
		Expect(service.capturedParams.DeliveryID).To(Equal("d-1"))
		Expect(string(service.capturedParams.Payload)).To(Equal(`{"status":"failed"}`))
	})

	It("accepts the alternate delivery header", func() {
		w := post("/hooks/42", "application/json", []byte(`{}`), map[string]string{"X-Webhook-Delivery": "gh-9"})

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(service.capturedParams.DeliveryID).To(Equal("gh-9"))
	})

	It("unwraps form-encoded payloads", func() {
		form := url.Values{"payload": {`{"action":"opened"}`}}
		w := post("/hooks/42", "application/x-www-form-urlencoded", []byte(form.Encode()), nil)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(string(service.capturedParams.Payload)).To(Equal(`{"action":"opened"}`))
	})

	It("rejects malformed JSON", func() {
		w := post("/hooks/42", "application/json", []byte(`{not json`), nil)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
		Expect(service.capturedParams).To(BeNil())
	})

	It("rejects a missing body", func() {
		w := post("/hooks/42", "application/json", nil, nil)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects a non-numeric trigger id", func() {
		w := post("/hooks/abc", "application/json", []byte(`{}`), nil)
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects oversized payloads with 413", func() {
		big := []byte(`{"pad":"` + strings.Repeat("x", 600*1024) + `"}`)
		w := post("/hooks/42", "application/json", big, nil)
		Expect(w.Code).To(Equal(http.StatusRequestEntityTooLarge))
	})

	It("returns 404 for an unknown trigger", func() {
		service.ingestFn = func(ctx context.Context, params ingest.Params) (*ingest.Result, error) {
			return nil, ingest.ErrTriggerNotFound
		}

		w := post("/hooks/42", "application/json", []byte(`{}`), nil)
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("returns 500 when storage fails", func() {
		service.ingestFn = func(ctx context.Context, params ingest.Params) (*ingest.Result, error) {
			return nil, fmt.Errorf("storing event: connection refused")
		}

		w := post("/hooks/42", "application/json", []byte(`{}`), nil)
		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})

	It("acks a silently dropped delivery without an event id", func() {
		service.ingestFn = func(ctx context.Context, params ingest.Params) (*ingest.Result, error) {
			return &ingest.Result{}, nil
		}

		w := post("/hooks/42", "application/json", []byte(`{}`), nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp).NotTo(HaveKey("eventId"))
	})
})
