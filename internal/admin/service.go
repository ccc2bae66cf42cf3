package admin

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Store is what the service needs from persistence; satisfied by *Repository.
type Store interface {
	CreateAdmin(ctx context.Context, a *Admin) (*Admin, error)
	GetAdminByUsername(ctx context.Context, username string) (*Admin, error)
}

type Service struct {
	store       Store
	jwtSecret   string
	tokenExpiry time.Duration
}

type Claims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(store Store, secret string, tokenExpiry time.Duration) *Service {
	return &Service{
		store:       store,
		jwtSecret:   secret,
		tokenExpiry: tokenExpiry,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterRequest, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	a := &Admin{
		Username: req.Username,
		Password: string(hashedPwd),
	}

	if _, err := s.store.CreateAdmin(ctx, a); err != nil {
		return nil, err
	}

	return &RegisterRequest{Username: a.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	a, err := s.store.GetAdminByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.Password), []byte(req.Password)); err != nil {
		return nil, err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       a.ID,
		Username: a.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chat-relay",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenExpiry)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          a.ID,
		Username:    a.Username,
	}, nil
}

func (s *Service) ValidateToken(tokenString string) (int, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})

	if err != nil || !token.Valid {
		return 0, "", err
	}

	return claims.ID, claims.Username, nil
}
