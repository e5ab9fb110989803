package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, import, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotAuthorized              = "NOT_AUTHORIZED"
	ErrCodeImpersonationRequestFailed = "IMPERSONATION_REQUEST_FAILED"
	ErrCodeConfiguration              = "CONFIGURATION_ERROR"
	ErrCodeUnauthorized               = "UNAUTHORIZED"
	ErrCodeInvalidCredentials         = "INVALID_CREDENTIALS"
	ErrCodeSignUpFailed               = "SIGN_UP_FAILED"
	ErrCodeInvalidRequest             = "INVALID_REQUEST"
	ErrCodeProjectNotFound            = "PROJECT_NOT_FOUND"
	ErrCodeFunctionFailed             = "FUNCTION_FAILED"
	ErrCodeFeedNotDetected            = "FEED_NOT_DETECTED"
	ErrCodeInvalidURL                 = "INVALID_URL"
	ErrCodeSSRFBlocked                = "SSRF_BLOCKED"
	ErrCodeFetchFailed                = "FETCH_FAILED"
	ErrCodeParseFailed                = "PARSE_FAILED"
)

// ErrRemoteCheckFailed は管理者確認エンドポイントの呼び出し失敗を表す。
// CheckIsAdmin の内部でのみ使われ、呼び出し元には false として吸収される。
var ErrRemoteCheckFailed = errors.New("remote admin check failed")

// NewNotAuthorizedError は操作の前提条件を満たさない場合のエラーを生成する。
func NewNotAuthorizedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthorized,
		Message:  fmt.Sprintf("この操作を実行する権限がありません: %s", reason),
		Category: "auth",
		Action:   "管理者アカウントでログインしていること、偽装中でないことを確認してください。",
	}
}

// NewImpersonationRequestFailedError はなりすまし開始リクエストの失敗を表すエラーを生成する。
func NewImpersonationRequestFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeImpersonationRequestFailed,
		Message:  fmt.Sprintf("なりすましを開始できませんでした: %s", reason),
		Category: "auth",
		Action:   "対象ユーザーを確認し、しばらく待ってから再度お試しください。",
	}
}

// NewConfigurationError は接続設定の不足を表すエラーを生成する。
func NewConfigurationError(missing ...string) *APIError {
	return &APIError{
		Code:     ErrCodeConfiguration,
		Message:  fmt.Sprintf("認証基盤への接続設定が不足しています: %v", missing),
		Category: "system",
		Action:   "BAAS_URL と BAAS_ANON_KEY を設定してください。",
	}
}

// NewUnauthorizedError は未ログイン状態でのアクセスを表すエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードの誤りを表すエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewSignUpFailedError はアカウント登録の失敗を表すエラーを生成する。
func NewSignUpFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSignUpFailed,
		Message:  fmt.Sprintf("アカウントを登録できませんでした: %s", reason),
		Category: "auth",
		Action:   "別のメールアドレスを使用するか、パスワードの条件を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト内容の検証エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewProjectNotFoundError はアクセス可能な範囲にプロジェクトが存在しない場合のエラーを生成する。
func NewProjectNotFoundError(projectID string) *APIError {
	return &APIError{
		Code:     ErrCodeProjectNotFound,
		Message:  fmt.Sprintf("指定されたプロジェクトが見つかりません: %s", projectID),
		Category: "validation",
		Action:   "プロジェクトIDを確認してください。",
	}
}

// NewFunctionFailedError はサーバーレスファンクション呼び出しの失敗を表すエラーを生成する。
func NewFunctionFailedError(function, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFunctionFailed,
		Message:  fmt.Sprintf("%s の呼び出しに失敗しました: %s", function, reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewFeedNotDetectedError はフィード未検出エラーを生成する。
func NewFeedNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotDetected,
		Message:  fmt.Sprintf("指定されたURLからRSS/Atomフィードを検出できませんでした: %s", url),
		Category: "import",
		Action:   "RSS/AtomフィードのURLを直接入力するか、フィードが公開されているページのURLを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "import",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewParseFailedError はパース失敗エラーを生成する。
func NewParseFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeParseFailed,
		Message:  "フィードの解析に失敗しました。",
		Category: "import",
		Action:   "有効なRSS/Atomフィードかどうか確認してください。",
	}
}

// IsAPIErrorCode はerrがAPIErrorであり、指定されたコードを持つかを判定する。
func IsAPIErrorCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
