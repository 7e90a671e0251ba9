package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidate_CollectsAll(t *testing.T) {
	errs := Validate(
		Required("buyerId", ""),
		Required("sellerId", "s1"),
		PositiveAmount("amount", 0),
		NonNegativeAmount("fee", -1),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "buyerId", errs[0].Field)
	assert.Contains(t, errs.Error(), "amount must be greater than zero")
	assert.Contains(t, errs.Error(), "fee must not be negative")
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(Required("a", "x"), PositiveAmount("b", 1), Percentage("c", 100))
	assert.Empty(t, errs)
}

func TestOneOf(t *testing.T) {
	assert.Nil(t, OneOf("product", "", "Widget")())
	assert.NotNil(t, OneOf("product", " ", "")())
}

func TestPercentage(t *testing.T) {
	assert.Nil(t, Percentage("p", 0)())
	assert.Nil(t, Percentage("p", 7.5)())
	assert.NotNil(t, Percentage("p", -0.1)())
	assert.NotNil(t, Percentage("p", 100.1)())
}

func TestNotEqual(t *testing.T) {
	assert.NotNil(t, NotEqual("sellerId", "u1", "u1")())
	assert.Nil(t, NotEqual("sellerId", "u1", "u2")())
	assert.Nil(t, NotEqual("sellerId", "", "")())
}

func TestMaxLength(t *testing.T) {
	assert.Nil(t, MaxLength("content", "hi", 2)())
	assert.NotNil(t, MaxLength("content", "hi!", 2)())
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hel\x00lo  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
	assert.Equal(t, "abc", SanitizeString("a\x00bcdef", 3), "null bytes do not count toward the limit")
}

func TestClean_KeepsFullLength(t *testing.T) {
	long := "\x00" + strings.Repeat("x", MaxStringLength+1)
	cleaned := Clean(long)
	assert.Len(t, cleaned, MaxStringLength+1)
	assert.NotNil(t, MaxLength("content", cleaned, MaxStringLength)())
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"way too long"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
