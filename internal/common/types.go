package common

// 业务状态码
const (
	CodeOK             = 0
	CodeInvalidRequest = 40000
	CodeUnauthorized   = 40100
	CodeForbidden      = 40300
	CodeNotFound       = 40400
	CodeConflict       = 40900
	CodeInternalError  = 50000
	CodeUpstreamError  = 50300
)

// APIResponse 统一API响应格式
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// SuccessResponse 成功响应
func SuccessResponse(data any) APIResponse {
	return APIResponse{Success: true, Data: data, Code: CodeOK}
}

// ErrorResponse 错误响应
func ErrorResponse(code int, message string) APIResponse {
	return APIResponse{Success: false, Message: message, Code: code}
}

// PaginationRequest 分页请求参数
type PaginationRequest struct {
	Page     int `json:"page" form:"page" binding:"omitempty,min=1"`
	PageSize int `json:"page_size" form:"page_size" binding:"omitempty,min=1"`
}

// GetPageSize 获取每页数量，提供默认值与上限
func (p PaginationRequest) GetPageSize() int {
	if p.PageSize < 1 {
		return 20
	}
	if p.PageSize > 100 {
		return 100
	}
	return p.PageSize
}

// GetOffset 计算数据库查询的偏移量
func (p PaginationRequest) GetOffset() int {
	page := p.Page
	if page < 1 {
		page = 1
	}
	return (page - 1) * p.GetPageSize()
}
