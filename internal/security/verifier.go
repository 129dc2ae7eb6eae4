package security

type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (Identity, error)
}
