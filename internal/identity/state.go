package identity

// State は利用者から見たマネージャーの状態。
type State int

const (
	StateSignedOut State = iota
	StateSignedIn
	StateImpersonating
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateSignedIn:
		return "signed_in"
	case StateImpersonating:
		return "impersonating"
	default:
		return "signed_out"
	}
}

// phase はマネージャー内部の状態。
// starting と stopping はセッション入れ替え中の過渡状態。
type phase int

const (
	phaseSignedOut phase = iota
	phaseSignedIn
	phaseStarting
	phaseImpersonating
	phaseStopping
)

// holdsSavedAdmin は管理者セッションを退避している間trueを返す。
// この間に届くSIGNED_INは入れ替え処理自身が発生させたものとして無視する。
func (p phase) holdsSavedAdmin() bool {
	return p >= phaseStarting
}

// public は外部に公開する状態へ変換する。
// 開始処理中はまだ管理者として、終了処理中はまだなりすまし中として見せる。
func (p phase) public() State {
	switch p {
	case phaseSignedIn, phaseStarting:
		return StateSignedIn
	case phaseImpersonating, phaseStopping:
		return StateImpersonating
	default:
		return StateSignedOut
	}
}

func (p phase) String() string {
	switch p {
	case phaseSignedIn:
		return "signed_in"
	case phaseStarting:
		return "starting"
	case phaseImpersonating:
		return "impersonating"
	case phaseStopping:
		return "stopping"
	default:
		return "signed_out"
	}
}
