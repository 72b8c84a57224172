// Copyright 2021-2022 The hassrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskSubmitAfterStop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 1, ctxt)
	assert.Nil(err)
	assert.Nil(uut.StartEventLoop(&wg))
	assert.Nil(uut.StopEventLoop())

	// Case 0: submission is rejected once stopped
	{
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NotNil(uut.Submit("hello", useContext))
	}
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskDemuxProcessorInstance("testing", 4, 3, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// start the built in processes
	assert.Nil(uut.StartEventLoop(&wg))

	lock := sync.Mutex{}
	path1 := 0
	path2 := 0
	path3 := 0

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	testWG := sync.WaitGroup{}
	pathCB1 := func(p interface{}) error {
		lock.Lock()
		defer lock.Unlock()
		path1++
		testWG.Done()
		return nil
	}
	pathCB2 := func(p interface{}) error {
		lock.Lock()
		defer lock.Unlock()
		path2++
		testWG.Done()
		return nil
	}
	pathCB3 := func(p interface{}) error {
		lock.Lock()
		defer lock.Unlock()
		path3++
		testWG.Done()
		return nil
	}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): pathCB1,
		reflect.TypeOf(testStruct2{}): pathCB2,
		reflect.TypeOf(testStruct3{}): pathCB3,
	}

	assert.Nil(uut.SetTaskExecutionMap(executorMap))

	// Case 1: trigger
	{
		testWG.Add(1)
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(testStruct1{}, useContext))
		cancel()
		testWG.Wait()
		lock.Lock()
		assert.Equal(1, path1)
		lock.Unlock()
	}

	// Case 2: trigger back to back
	{
		testWG.Add(3)
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(testStruct1{}, useContext))
		assert.Nil(uut.Submit(testStruct2{}, useContext))
		assert.Nil(uut.Submit(testStruct3{}, useContext))
		cancel()
		testWG.Wait()
		lock.Lock()
		assert.Equal(2, path1)
		assert.Equal(1, path2)
		assert.Equal(1, path3)
		lock.Unlock()
	}
}

type keyedTestTask struct {
	key string
	seq int
}

func (t keyedTestTask) TaskKey() string {
	return t.key
}

func TestTaskDemuxKeyedOrdering(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskDemuxProcessorInstance("testing", 8, 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()
	assert.Nil(uut.StartEventLoop(&wg))

	keys := []string{"light.kitchen", "sensor.outside", "switch.fan", "binary_sensor.door"}
	perKey := 50

	lock := sync.Mutex{}
	observed := map[string][]int{}
	testWG := sync.WaitGroup{}
	testWG.Add(len(keys) * perKey)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(keyedTestTask{}), func(p interface{}) error {
			task := p.(keyedTestTask)
			lock.Lock()
			observed[task.key] = append(observed[task.key], task.seq)
			lock.Unlock()
			testWG.Done()
			return nil
		},
	))

	// Case 0: interleave tasks for several keys
	useContext, useCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer useCancel()
	for seq := 0; seq < perKey; seq++ {
		for _, key := range keys {
			assert.Nil(uut.Submit(keyedTestTask{key: key, seq: seq}, useContext))
		}
	}
	testWG.Wait()

	// Case 1: every key observed its tasks in submission order
	lock.Lock()
	defer lock.Unlock()
	for _, key := range keys {
		assert.Len(observed[key], perKey)
		for idx, seq := range observed[key] {
			assert.Equal(idx, seq)
		}
	}
}

func TestHashKey(t *testing.T) {
	assert := assert.New(t)

	// Case 0: degenerate bucket counts
	assert.Equal(0, HashKey("light.kitchen", 0))
	assert.Equal(0, HashKey("light.kitchen", 1))

	// Case 1: stable and in range
	for _, key := range []string{"a", "light.kitchen", "sensor.temperature"} {
		bucket := HashKey(key, 7)
		assert.GreaterOrEqual(bucket, 0)
		assert.Less(bucket, 7)
		assert.Equal(bucket, HashKey(key, 7))
	}
}
