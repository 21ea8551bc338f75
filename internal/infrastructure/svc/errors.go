package svc

import "errors"

// ErrAuthFailed 错误：上游登录被拒绝
var ErrAuthFailed = errors.New("login failed")

// ErrConflict 错误：会话 key 已存在
var ErrConflict = errors.New("connection already exists for key")

// ErrNotFound 错误：会话 key 不存在
var ErrNotFound = errors.New("connection not found")

// ErrNotConnected 错误：连接尚未进入 streaming 状态
var ErrNotConnected = errors.New("connection not streaming yet")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
