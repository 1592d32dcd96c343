package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/utils"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// User is a reseller (or panel admin). Balance is mutated only through the
// ledger's atomic decrement/increment pattern, never by plain writes.
type User struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Username  string          `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name      string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Phone     string          `gorm:"size:20" json:"phone"`
	Password  string          `gorm:"size:255;not null" json:"-"`
	Role      UserRole        `gorm:"type:enum('A','R');default:'R'" json:"role"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"balance"`
	IsActive  *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUser struct {
	Username string   `json:"username" binding:"required"`
	Name     string   `json:"name" binding:"required"`
	Phone    string   `json:"phone"`
	Password string   `json:"password" binding:"required"`
	Role     UserRole `json:"role"`
}

type LoginInfo struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func CreateUser(ctx context.Context, input *NewUser) (*User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	role := input.Role
	if role == "" {
		role = UserRoleReseller
	}
	user := User{
		Username: input.Username,
		Name:     input.Name,
		Phone:    input.Phone,
		Password: string(hashed),
		Role:     role,
		Balance:  decimal.Zero,
		IsActive: utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func Login(ctx context.Context, username, password string) (*LoginInfo, error) {
	db := config.GetDB()
	var user User
	if err := db.WithContext(ctx).Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, errors.New("invalid credentials")
	}
	if user.IsActive == nil || !*user.IsActive {
		return nil, errors.New("account disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}
	token, err := utils.JwtGenerate(user.ID, string(user.Role))
	if err != nil {
		return nil, err
	}
	return &LoginInfo{Token: token, Name: user.Name, Role: string(user.Role)}, nil
}

func GetUser(ctx context.Context, tx *gorm.DB, id int) (*User, error) {
	var user User
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}
