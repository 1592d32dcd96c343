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

// Customer is a mobile-app end customer. Store credit is spent before the
// wallet balance whenever an operation is charged.
type Customer struct {
	ID            int             `gorm:"primary_key" json:"id"`
	Phone         string          `gorm:"size:20;not null;unique" json:"phone" binding:"required"`
	Name          string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Password      string          `gorm:"size:255;not null" json:"-"`
	WalletBalance decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"wallet_balance"`
	StoreCredit   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"store_credit"`
	IsActive      *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Phone    string `json:"phone" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	customer := Customer{
		Phone:         input.Phone,
		Name:          input.Name,
		Password:      string(hashed),
		WalletBalance: decimal.Zero,
		StoreCredit:   decimal.Zero,
		IsActive:      utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func CustomerLogin(ctx context.Context, phone, password string) (*LoginInfo, error) {
	db := config.GetDB()
	var customer Customer
	if err := db.WithContext(ctx).Where("phone = ?", phone).Take(&customer).Error; err != nil {
		return nil, errors.New("invalid credentials")
	}
	if customer.IsActive == nil || !*customer.IsActive {
		return nil, errors.New("account disabled")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(customer.Password), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}
	token, err := utils.JwtGenerate(customer.ID, "C")
	if err != nil {
		return nil, err
	}
	return &LoginInfo{Token: token, Name: customer.Name, Role: "C"}, nil
}

func GetCustomer(ctx context.Context, tx *gorm.DB, id int) (*Customer, error) {
	var customer Customer
	if err := tx.WithContext(ctx).Where("id = ?", id).Take(&customer).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &customer, nil
}
