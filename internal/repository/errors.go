package repository

import "errors"

// ErrInviteConsumed は条件付きUPDATEの排他に敗れた（他の消費が先行した）ことを示す。
var ErrInviteConsumed = errors.New("invite already consumed")

// ErrActiveSessionExists は同一パートナーシップにアクティブセッションが
// 既に存在することを示す。部分一意インデックス違反から変換される。
var ErrActiveSessionExists = errors.New("active session already exists")
