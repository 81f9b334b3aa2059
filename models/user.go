package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AppUser struct {
	ID           int        `gorm:"primary_key" json:"id"`
	UserId       string     `gorm:"size:100;uniqueIndex;not null" json:"user_id"`
	Name         string     `gorm:"size:255;not null" json:"name"`
	Email        string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash string     `gorm:"size:255;not null" json:"-"`
	Role         UserRole   `gorm:"size:32;not null;index" json:"role"`
	HomeStoreId  *string    `gorm:"size:64;index" json:"store_id"`
	IsActive     *bool      `gorm:"not null;default:true" json:"is_active"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAppUser struct {
	UserId   string `json:"user_id" validate:"max=100"`
	Name     string `json:"name" validate:"required,max=255"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required"`
	StoreId  string `json:"store_id" validate:"max=64"`
}

type LoginInfo struct {
	Token     string   `json:"token"`
	ExpiresAt int64    `json:"expires_at"`
	User      *AppUser `json:"user"`
}

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserDisabled       = errors.New("user is disabled")
)

/*
caches:
	AppUser:$id
*/

func appUserCacheKey(id int) string {
	return fmt.Sprintf("AppUser:%d", id)
}

func (u AppUser) Active() bool {
	return utils.DereferencePtr(u.IsActive, true)
}

func (u AppUser) removeInstanceRedis(ctx context.Context) error {
	return config.RemoveRedisKey(ctx, appUserCacheKey(u.ID))
}

// Claim builds the session payload for this user.
func (u AppUser) Claim() utils.SessionClaim {
	return utils.SessionClaim{
		ID:      u.ID,
		UserRef: u.UserId,
		Name:    u.Name,
		Role:    string(u.Role),
		StoreId: utils.DereferencePtr(u.HomeStoreId),
	}
}

// Login accepts either email or external user id as identifier.
func Login(ctx context.Context, db *gorm.DB, identifier string, password string) (*LoginInfo, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	var user AppUser
	err := db.WithContext(ctx).
		Where("email = ? OR user_id = ?", strings.ToLower(identifier), identifier).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := utils.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active() {
		return nil, ErrUserDisabled
	}

	days := config.SessionDays()
	token, err := utils.SessionGenerate(user.Claim(), days)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := db.WithContext(ctx).Model(&AppUser{}).Where("id = ?", user.ID).
		UpdateColumn("last_login_at", now).Error; err != nil {
		return nil, err
	}
	user.LastLoginAt = &now
	_ = user.removeInstanceRedis(ctx)

	return &LoginInfo{
		Token:     token,
		ExpiresAt: now.Add(time.Hour * 24 * time.Duration(days)).Unix(),
		User:      &user,
	}, nil
}

func ListUsers(ctx context.Context, db *gorm.DB) ([]AppUser, error) {
	var users []AppUser
	if err := db.WithContext(ctx).Order("name ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// GetAppUser reads through the redis cache when redis is configured.
func GetAppUser(ctx context.Context, db *gorm.DB, id int) (*AppUser, error) {
	var user AppUser
	exists, err := config.GetRedisObject(ctx, appUserCacheKey(id), &user)
	if err == nil && exists {
		return &user, nil
	}
	err = db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(ctx, appUserCacheKey(id), &user, 10*time.Minute)
	return &user, nil
}

func CreateUser(ctx context.Context, db *gorm.DB, input *NewAppUser) (*AppUser, error) {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	input.Name = strings.TrimSpace(input.Name)
	input.UserId = strings.TrimSpace(input.UserId)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	role, err := ParseUserRole(input.Role)
	if err != nil {
		return nil, utils.NewValidationError("role", "%v", err)
	}
	if input.UserId == "" {
		input.UserId = uuid.NewString()
	}

	var count int64
	if err := db.WithContext(ctx).Model(&AppUser{}).
		Where("email = ? OR user_id = ?", input.Email, input.UserId).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, utils.NewValidationError("email", "duplicate email or user id")
	}

	hashed, err := utils.HashPassword(input.Password)
	if err != nil {
		return nil, utils.NewValidationError("password", "%v", err)
	}

	user := AppUser{
		UserId:       input.UserId,
		Name:         input.Name,
		Email:        input.Email,
		PasswordHash: hashed,
		Role:         role,
		HomeStoreId:  utils.NilIfEmpty(strings.TrimSpace(input.StoreId)),
		IsActive:     utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, utils.NewValidationError("email", "duplicate email or user id")
		}
		return nil, err
	}
	return &user, nil
}

func updateUserColumns(ctx context.Context, db *gorm.DB, id int, updates map[string]interface{}) (*AppUser, error) {
	var user AppUser
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, err
	}
	_ = user.removeInstanceRedis(ctx)
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func SetUserRole(ctx context.Context, db *gorm.DB, id int, roleName string) (*AppUser, error) {
	role, err := ParseUserRole(roleName)
	if err != nil {
		return nil, utils.NewValidationError("role", "%v", err)
	}
	return updateUserColumns(ctx, db, id, map[string]interface{}{"role": role})
}

func SetUserActive(ctx context.Context, db *gorm.DB, id int, active bool) (*AppUser, error) {
	return updateUserColumns(ctx, db, id, map[string]interface{}{"is_active": active})
}

func ResetUserPassword(ctx context.Context, db *gorm.DB, id int, newPassword string) (*AppUser, error) {
	hashed, err := utils.HashPassword(newPassword)
	if err != nil {
		return nil, utils.NewValidationError("password", "%v", err)
	}
	return updateUserColumns(ctx, db, id, map[string]interface{}{"password_hash": hashed})
}
