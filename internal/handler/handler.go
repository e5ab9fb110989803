// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/widgetdash/internal/identity"
	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限（64KB）。
const maxRequestBodySize = 64 << 10

// validate はリクエストボディの検証に使う共有インスタンス。
// エラーメッセージにはJSONのフィールド名を使う。
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON はリクエストボディをdstにデコードし、validateタグで検証する。
// 失敗した場合はINVALID_REQUESTのAPIErrorを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) *model.APIError {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewInvalidRequestError("リクエストボディの解析に失敗しました")
	}
	if err := validate.Struct(dst); err != nil {
		return model.NewInvalidRequestError(describeValidationError(err))
	}
	return nil
}

// describeValidationError は検証エラーを「field: tag」の一覧に変換する。
func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return "入力値が不正です（" + strings.Join(parts, ", ") + "）"
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// managerFrom はIDミドルウェアが注入したManagerを取り出す。
// 取り出せない場合は500を書き込んでfalseを返す。
func managerFrom(w http.ResponseWriter, r *http.Request) (*identity.Manager, bool) {
	m, ok := middleware.ManagerFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, r, errors.New("identity manager not found in context"))
		return nil, false
	}
	return m, true
}

// userIDFrom はRequireSignedInが注入した実効ユーザーIDを取り出す。
// 取り出せない場合は401を書き込んでfalseを返す。
func userIDFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// accessTokenFrom は期限切れであれば更新したうえでアクティブなアクセストークンを取り出す。
// 取り出せない場合はエラーレスポンスを書き込んでfalseを返す。
func accessTokenFrom(w http.ResponseWriter, r *http.Request, m *identity.Manager) (string, bool) {
	token, err := m.AccessToken(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return "", false
	}
	if token == "" {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return token, true
}

// sessionStateResponse は現在のID状態のAPIレスポンス。
type sessionStateResponse struct {
	State          string          `json:"state"`
	User           *model.Identity `json:"user"`
	Impersonating  bool            `json:"impersonating"`
	ImpersonatedBy *model.Identity `json:"impersonatedBy,omitempty"`
}

// stateOf はManagerの現在の状態をレスポンスに変換する。
func stateOf(m *identity.Manager) sessionStateResponse {
	return sessionStateResponse{
		State:          m.State().String(),
		User:           m.CurrentIdentity(),
		Impersonating:  m.IsImpersonating(),
		ImpersonatedBy: m.ImpersonatingAdmin(),
	}
}
