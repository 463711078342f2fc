package apikey

import "golang.org/x/crypto/bcrypt"

// Hasher 使用 bcrypt 对完整密钥做单向哈希
type Hasher struct {
	cost      int
	dummyHash []byte
}

// NewHasher 创建哈希器，cost 超出范围时使用 bcrypt.DefaultCost
func NewHasher(cost int) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	// 无候选时与之比较，让拒绝路径耗时与哈希不匹配一致
	dummy, err := bcrypt.GenerateFromPassword([]byte(Prefix+"dummy-secret-for-timing"), cost)
	if err != nil {
		return nil, err
	}

	return &Hasher{cost: cost, dummyHash: dummy}, nil
}

// Hash 计算密钥哈希
func (h *Hasher) Hash(secret Secret) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret.String()), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Matches 常量时间比较密钥与哈希
func (h *Hasher) Matches(secret Secret, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret.String()))
	return err == nil
}

// Burn 执行一次必然失败的比较
func (h *Hasher) Burn(secret Secret) {
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(secret.String()))
}
