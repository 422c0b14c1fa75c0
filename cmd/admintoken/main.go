// Command admintoken mints an HS256 admin JWT for exercising a gateway
// whose admin.jwt_secret is configured, without standing up a full IdP.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	var secret string
	var sub string
	var ttl time.Duration
	flag.StringVar(&secret, "secret", "dev-secret", "admin.jwt_secret configured on the gateway")
	flag.StringVar(&sub, "sub", "operator", "subject claim")
	flag.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	flag.Parse()

	claims := jwt.MapClaims{
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	fmt.Println(s)
}
