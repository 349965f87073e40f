package handler

import (
	"errors"
	"fmt"
	"net/http"

	"wallfetch/app/auth"
	"wallfetch/app/config"
	"wallfetch/app/utils"

	"github.com/gin-gonic/gin"
)

// AuthHandler 认证处理器，账户来自配置文件
type AuthHandler struct {
	username     string
	passwordHash string
	jwtService   *auth.JWTService
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(cfg config.ServerConfig, jwtService *auth.JWTService) (*AuthHandler, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("管理员账户配置不能为空，请在配置文件中设置 username 和 password")
	}
	hash, err := utils.HashPassword(cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("哈希密码失败: %w", err)
	}
	return &AuthHandler{
		username:     cfg.Username,
		passwordHash: hash,
		jwtService:   jwtService,
	}, nil
}

// LoginRequest 登录请求结构
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应结构
type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	ExpireAt int64  `json:"expire_at"`
}

// Login 用户登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	if req.Username != h.username {
		fail(c, http.StatusUnauthorized, "用户名或密码错误")
		return
	}
	if err := utils.VerifyPassword(req.Password, h.passwordHash); err != nil {
		if errors.Is(err, utils.ErrPasswordMismatch) {
			fail(c, http.StatusUnauthorized, "用户名或密码错误")
			return
		}
		fail(c, http.StatusInternalServerError, "校验密码失败")
		return
	}

	expireAt := h.jwtService.ExpireAt().Unix()
	token, err := h.jwtService.GenerateToken(req.Username)
	if err != nil {
		fail(c, http.StatusInternalServerError, "生成令牌失败")
		return
	}

	success(c, LoginResponse{
		Token:    token,
		Username: req.Username,
		ExpireAt: expireAt,
	}, "登录成功")
}
