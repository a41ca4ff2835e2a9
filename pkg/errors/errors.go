// Package errors はflowfid全体のエラーハンドリングと警告システムを提供します。
// 数値計算ライブラリの例外体系にならい、スタックトレース付きの構造化されたエラー情報を返します。
package errors

import (
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		log.Printf("flowfid-Warning: %v\n", w)
	}
	// zerologロガー（循環importを避けるため遅延初期化）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler はライブラリ全体の警告ハンドラを設定します。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    // 警告を無視する
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します（循環importを避けるため）。
// nilを渡すと従来のハンドラに戻ります。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn は警告を発生させます。
// zerologが設定されている場合は構造化ログとして出力し、そうでなければ従来のハンドラを使用します。
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}
	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	警告型
//
// ===========================================================================

// SingularProductWarning は共分散行列の積の平方根が特異になり、
// 対角成分にepsを加えて再計算する場合の警告です。
type SingularProductWarning struct {
	Epsilon float64
	Dim     int
}

func (w *SingularProductWarning) Error() string {
	return fmt.Sprintf("fid calculation produces singular product; adding %g to diagonal of cov estimates", w.Epsilon)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *SingularProductWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Float64("epsilon", w.Epsilon).
		Int("dim", w.Dim).
		Str("type", "SingularProductWarning")
}

// NewSingularProductWarning は新しいSingularProductWarningを作成します。
func NewSingularProductWarning(eps float64, dim int) *SingularProductWarning {
	return &SingularProductWarning{Epsilon: eps, Dim: dim}
}

// NonFiniteOutputWarning は生成モデルの出力にNaNやInfが含まれていた場合の警告です。
// 計算は継続されますが、特徴量の統計量が汚染される可能性があります。
type NonFiniteOutputWarning struct {
	Stage string
	Batch int
	Count int
	Total int
}

func (w *NonFiniteOutputWarning) Error() string {
	return fmt.Sprintf("%s produced %d non-finite values out of %d in batch %d", w.Stage, w.Count, w.Total, w.Batch)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *NonFiniteOutputWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("stage", w.Stage).
		Int("batch", w.Batch).
		Int("count", w.Count).
		Int("total", w.Total).
		Str("type", "NonFiniteOutputWarning")
}

// NewNonFiniteOutputWarning は新しいNonFiniteOutputWarningを作成します。
func NewNonFiniteOutputWarning(stage string, batch, count, total int) *NonFiniteOutputWarning {
	return &NonFiniteOutputWarning{Stage: stage, Batch: batch, Count: count, Total: total}
}

// ===========================================================================
//
//	構造化されたエラー型
//
// ===========================================================================

// NotFittedError は統計量がまだ一度も蓄積されていない状態で結果を要求した場合のエラーです。
type NotFittedError struct {
	ModelName string
	Method    string
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("flowfid: %s: no data has been accumulated yet. Call PartialFit() before using %s()", e.ModelName, e.Method)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NotFittedError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("model_name", e.ModelName).
		Str("method", e.Method).
		Str("type", "NotFittedError")
}

// NewNotFittedError は新しいNotFittedErrorを作成し、スタックトレースを付与します。
func NewNotFittedError(modelName, method string) error {
	return errors.WithStack(&NotFittedError{ModelName: modelName, Method: method})
}

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0: 行（サンプル）, 1: 列（特徴量）
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("flowfid: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, e.axisName(), e.Expected, e.Got)
}

func (e *DimensionError) axisName() string {
	if e.Axis == 0 {
		return "rows"
	}
	return "features"
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", e.axisName()).
		Str("type", "DimensionError")
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	return errors.WithStack(&DimensionError{Op: op, Expected: expected, Got: got, Axis: axis})
}

// ValidationError は設定値や引数の検証に失敗した場合のエラーです。
type ValidationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flowfid: validation failed for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

// NewValidationError は新しいValidationErrorを作成し、スタックトレースを付与します。
func NewValidationError(param, reason string, value interface{}) error {
	return errors.WithStack(&ValidationError{ParamName: param, Reason: reason, Value: value})
}

// ValueError は引数の値が不適切な場合に発生するエラーです。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("flowfid: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	return errors.WithStack(&ValueError{Op: op, Message: message})
}

// ImaginaryComponentError は行列平方根の対角成分に無視できない虚部が残った場合のエラーです。
// Magnitude は行列全体での虚部の絶対値の最大値です。
type ImaginaryComponentError struct {
	Op        string
	Magnitude float64
}

func (e *ImaginaryComponentError) Error() string {
	return fmt.Sprintf("flowfid: %s: Imaginary component %g", e.Op, e.Magnitude)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ImaginaryComponentError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Float64("magnitude", e.Magnitude).
		Str("type", "ImaginaryComponentError")
}

// NewImaginaryComponentError は新しいImaginaryComponentErrorを作成し、スタックトレースを付与します。
func NewImaginaryComponentError(op string, magnitude float64) error {
	return errors.WithStack(&ImaginaryComponentError{Op: op, Magnitude: magnitude})
}

// ModelError は生成モデルや特徴抽出器の呼び出しに関する一般的なエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flowfid: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("flowfid: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError は新しいModelErrorを作成し、スタックトレースを付与します。
func NewModelError(op, kind string, err error) error {
	return errors.WithStack(&ModelError{Op: op, Kind: kind, Err: err})
}

// NumericalInstabilityError は数値計算の結果にNaNやInfが含まれていた場合のエラーです。
type NumericalInstabilityError struct {
	Operation string
	Values    []float64
	Iteration int
}

func (e *NumericalInstabilityError) Error() string {
	valStr := ""
	for i, v := range e.Values {
		if i > 0 {
			valStr += ", "
		}
		if i >= 5 {
			valStr += "..."
			break
		}
		valStr += fmt.Sprintf("%.6g", v)
	}
	return fmt.Sprintf("flowfid: numerical instability detected in %s at batch %d. Values: [%s]",
		e.Operation, e.Iteration, valStr)
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	return errors.WithStack(&NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Iteration: iteration,
	})
}

// InputShapeError はテンソルの形状が期待と異なる場合のエラーです。
// 潜在変数の形状チェックなど、多次元の形状を比較する場合に使います。
type InputShapeError struct {
	Phase    string
	Expected []int
	Got      []int
}

func (e *InputShapeError) Error() string {
	return fmt.Sprintf("flowfid: input shape mismatch in %s. Expected shape %v, got %v",
		e.Phase, e.Expected, e.Got)
}

// NewInputShapeError は新しいInputShapeErrorを作成します。
func NewInputShapeError(phase string, expected, got []int) error {
	return errors.WithStack(&InputShapeError{Phase: phase, Expected: expected, Got: got})
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")

	// ErrSingularMatrix は特異行列の場合のエラーです。
	ErrSingularMatrix = New("singular matrix")
)
