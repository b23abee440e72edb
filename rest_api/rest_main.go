// Package rest_api contains helper functions for quickly and easily setting up
// the purchase REST API over the reservation coordinator.
package rest_api

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	jwtverifier "github.com/okta/okta-jwt-verifier-golang"
	swaggerfiles "github.com/swaggo/files"     // swagger embed files
	ginSwagger "github.com/swaggo/gin-swagger" // gin-swagger middleware

	"github.com/sharedcode/flashsale/rest_api/docs"
)

// Main creates the HTTP router, uses the registered (REST) methods to make
// endpoint handlers out of them, sets up the swagger endpoint for doc'n and
// issues a "router run" blocking until the HTTP REST Api is signaled to stop,
// via OS interrupts like CTRL-C and such.
func Main(api *Api, address string) {

	// Simple closure for header token verification; the verified user lands
	// in the gin context for the handler.
	verifyHeaderToken := func(realHandler func(c *gin.Context)) func(c *gin.Context) {
		return func(c *gin.Context) {
			if user, ok := verify(c); ok {
				c.Set(userContextKey, user)
				realHandler(c)
			}
		}
	}

	router := gin.Default()
	docs.SwaggerInfo.BasePath = "/api/v1"

	// Register the purchase engine's REST methods.
	RegisterMethod(POST, "/purchases", api.PostPurchase)
	RegisterMethod(POST, "/purchases/bundle", api.PostBundlePurchase)
	RegisterMethod(POST, "/products", api.PostProduct)
	RegisterMethod(GET_ONE, "/products/:id/stock", api.GetProductStock)
	RegisterMethod(GET, "/stats", api.GetStats)

	v1 := router.Group("/api/v1")
	{
		restMethods := RestMethods()
		for _, rm := range restMethods {
			switch rm.Verb {
			case GET:
				fallthrough
			case GET_ONE:
				v1.GET(rm.Path, verifyHeaderToken(rm.Handler))
			case DELETE:
				v1.DELETE(rm.Path, verifyHeaderToken(rm.Handler))
			case POST:
				v1.POST(rm.Path, verifyHeaderToken(rm.Handler))
			case PUT:
				v1.PUT(rm.Path, verifyHeaderToken(rm.Handler))
			case PATCH:
				v1.PATCH(rm.Path, verifyHeaderToken(rm.Handler))
			default:
				panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
			}
		}
	}

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))
	router.Run(address)
}

const userContextKey = "flashsale_user"

var toValidate = map[string]string{
	"aud": "api://default",
	"cid": os.Getenv("OKTA_CLIENT_ID"),
}

// Verify the bearer token in header. Returns the authenticated user identity.
func verify(c *gin.Context) (string, bool) {

	// Allow easy debugging on dev: the caller names itself.
	if os.Getenv("FLASHSALE_ENV") == "DEV" {
		user := c.Request.Header.Get("X-User")
		if user == "" {
			user = "dev"
		}
		return user, true
	}

	token := c.Request.Header.Get("Authorization")
	if strings.HasPrefix(token, "Bearer ") {
		token = strings.TrimPrefix(token, "Bearer ")

		// Allow easy QA, bypass Okta based OAuth2 token verification w/ simple token equality check.
		if os.Getenv("FLASHSALE_ENV") == "QA" {
			qaToken := os.Getenv("FLASHSALE_QA_TOKEN")
			if token == qaToken {
				user := c.Request.Header.Get("X-User")
				if user == "" {
					user = "qa"
				}
				return user, true
			}
		}

		verifierSetup := jwtverifier.JwtVerifier{
			Issuer:           "https://" + os.Getenv("OKTA_DOMAIN") + "/oauth2/default",
			ClaimsToValidate: toValidate,
		}
		verifier := verifierSetup.New()
		jwt, err := verifier.VerifyAccessToken(token)
		if err != nil {
			c.String(http.StatusForbidden, err.Error())
			return "", false
		}
		if sub, ok := jwt.Claims["sub"].(string); ok && sub != "" {
			return sub, true
		}
		if uid, ok := jwt.Claims["uid"].(string); ok && uid != "" {
			return uid, true
		}
		c.String(http.StatusForbidden, "token carries no subject")
		return "", false
	}
	c.String(http.StatusUnauthorized, "Unauthorized")
	return "", false
}
