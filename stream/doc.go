// Copyright (c) ChatFlow Authors.
// Licensed under the MIT License.

/*
Package stream 定义引擎向调用层暴露的增量事件流。

事件严格按步骤循环的产生顺序送入通道（FIFO），除背压所需的有限
缓冲外不做任何重排或聚合。取消由消费方的 context 控制：取消后
发射端停止投递，通道随 run 结束关闭。
*/
package stream
