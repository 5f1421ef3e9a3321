package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestValidate_CollectsFailures(t *testing.T) {
	errs := Validate(
		Required("travelerId", ""),
		PositiveAmount("amount", "0"),
		Amount("insuranceCost", "1.234"),
		OneOf("method", "paypal", "stripe", "paystack"),
		IntRange("rating", 6, 0, 5),
		MaxLength("reason", strings.Repeat("x", 11), 10),
	)
	assert.Len(t, errs, 6)
	assert.Equal(t, "travelerId: is required", errs.Error())
}

func TestValidate_Passes(t *testing.T) {
	errs := Validate(
		Required("travelerId", "usr_1"),
		PositiveAmount("amount", "12.50"),
		Amount("insuranceCost", ""),
		OneOf("method", "stripe", "stripe", "paystack"),
		IntRange("rating", 5, 0, 5),
	)
	assert.Empty(t, errs)
}

func TestPositiveAmount_Negative(t *testing.T) {
	err := PositiveAmount("amount", "-3")()
	assert.NotNil(t, err)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc  ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}

func TestLimit(t *testing.T) {
	cases := map[string]int{"": 50, "?limit=10": 10, "?limit=1000": 200, "?limit=-1": 50, "?limit=x": 50}
	for q, want := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/v1/requests"+q, nil)
		assert.Equal(t, want, Limit(c, 50, 200), q)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"reason":"much too long"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
