package collab

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/slices"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

// ulid string order equals byte order,
// so this is also the lexicographic order of `String()`
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(ulid.ULID(*self).String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// use this type when counting bytes
type ByteCount = int64

func kib(c ByteCount) ByteCount {
	return c * ByteCount(1024)
}

func mib(c ByteCount) ByteCount {
	return c * ByteCount(1024*1024)
}

// makes a copy of the list on update
// func values are identified by their code pointer so that remove works
type callbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []T
	keys      []uintptr
}

func (self *callbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *callbackList[T]) add(callback T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := callbackKey(callback)
	if 0 <= slices.Index(self.keys, key) {
		// already present
		return
	}
	self.callbacks = append(slices.Clone(self.callbacks), callback)
	self.keys = append(slices.Clone(self.keys), key)
}

func (self *callbackList[T]) remove(callback T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.keys, callbackKey(callback))
	if i < 0 {
		// not present
		return
	}
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
	self.keys = slices.Delete(slices.Clone(self.keys), i, i+1)
}

func (self *callbackList[T]) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks = nil
	self.keys = nil
}

func callbackKey(callback any) uintptr {
	return reflect.ValueOf(callback).Pointer()
}
